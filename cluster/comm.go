// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
	"github.com/specslice/specslice/comm"
)

// worldCommID identifies the world communicator; split communicators
// derive fresh identifiers from it.
const worldCommID uint64 = 1

// rankComm implements comm.Comm over the rank service's mailbox.
// Collectives are star-shaped: gathers converge on the collective's
// root and broadcasts fan out from it, one Deliver RPC per pair. The
// sequence number advances identically on every rank because the
// group is SPMD, which is what pairs sends with receives.
type rankComm struct {
	svc   *service
	id    uint64
	rank  int
	addrs []string
	seq   uint64
}

func newComm(svc *service, id uint64, rank int, addrs []string) *rankComm {
	return &rankComm{svc: svc, id: id, rank: rank, addrs: addrs}
}

func (c *rankComm) Rank() int { return c.rank }
func (c *rankComm) Size() int { return len(c.addrs) }

func (c *rankComm) next() uint64 {
	c.seq++
	return c.seq
}

func (c *rankComm) send(ctx context.Context, to int, seq uint64, payload []byte) error {
	if to == c.rank {
		c.svc.deliverLocal(c.id, seq, c.rank, payload)
		return nil
	}
	machine, err := c.svc.b.Dial(ctx, c.addrs[to])
	if err != nil {
		return err
	}
	return machine.Call(ctx, "Rank.Deliver", newMessage(c.id, seq, c.rank, payload), &struct{}{})
}

func (c *rankComm) Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	seq := c.next()
	if c.rank == root {
		for r := range c.addrs {
			if r == root {
				continue
			}
			if err := c.send(ctx, r, seq, buf); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return c.svc.recv(ctx, c.id, seq, root)
}

func (c *rankComm) Gather(ctx context.Context, send []byte, root int) ([][]byte, error) {
	seq := c.next()
	if c.rank != root {
		if err := c.send(ctx, root, seq, send); err != nil {
			return nil, err
		}
		return nil, nil
	}
	out := make([][]byte, len(c.addrs))
	out[root] = send
	for r := range c.addrs {
		if r == root {
			continue
		}
		payload, err := c.svc.recv(ctx, c.id, seq, r)
		if err != nil {
			return nil, err
		}
		out[r] = payload
	}
	return out, nil
}

func (c *rankComm) Gatherv(ctx context.Context, send []float64, counts []int, root int) ([]float64, error) {
	seq := c.next()
	if c.rank != root {
		if err := c.send(ctx, root, seq, floatsToBytes(send)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if len(counts) != len(c.addrs) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("cluster: gatherv: %d counts for %d ranks", len(counts), len(c.addrs)))
	}
	var total int
	for _, n := range counts {
		total += n
	}
	recv := make([]float64, 0, total)
	for r := range c.addrs {
		var part []float64
		if r == root {
			part = send
		} else {
			payload, err := c.svc.recv(ctx, c.id, seq, r)
			if err != nil {
				return nil, err
			}
			part = bytesToFloats(payload)
		}
		if len(part) != counts[r] {
			return nil, errors.E(errors.Precondition,
				fmt.Sprintf("cluster: gatherv: rank %d sent %d elements, expected %d", r, len(part), counts[r]))
		}
		recv = append(recv, part...)
	}
	return recv, nil
}

func (c *rankComm) Barrier(ctx context.Context) error {
	if _, err := c.Gather(ctx, nil, 0); err != nil {
		return err
	}
	_, err := c.Broadcast(ctx, nil, 0)
	return err
}

type splitEntry struct {
	Color, Key, Rank int
}

func (c *rankComm) Split(ctx context.Context, color, key int) (comm.Comm, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(splitEntry{color, key, c.rank}); err != nil {
		return nil, err
	}
	gathered, err := c.Gather(ctx, buf.Bytes(), 0)
	if err != nil {
		return nil, err
	}
	var table []splitEntry
	if c.rank == 0 {
		table = make([]splitEntry, len(gathered))
		for i, b := range gathered {
			if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&table[i]); err != nil {
				return nil, err
			}
		}
		buf.Reset()
		if err := gob.NewEncoder(&buf).Encode(table); err != nil {
			return nil, err
		}
	}
	bcast, err := c.Broadcast(ctx, buf.Bytes(), 0)
	if err != nil {
		return nil, err
	}
	if c.rank != 0 {
		if err := gob.NewDecoder(bytes.NewReader(bcast)).Decode(&table); err != nil {
			return nil, err
		}
	}
	var members []splitEntry
	for _, e := range table {
		if e.Color == color {
			members = append(members, e)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Key != members[j].Key {
			return members[i].Key < members[j].Key
		}
		return members[i].Rank < members[j].Rank
	})
	addrs := make([]string, len(members))
	newRank := -1
	for i, e := range members {
		addrs[i] = c.addrs[e.Rank]
		if e.Rank == c.rank {
			newRank = i
		}
	}
	if newRank < 0 {
		return nil, errors.E(errors.Precondition, "cluster: split: rank missing from its own color group")
	}
	return newComm(c.svc, splitID(c.id, c.seq, color), newRank, addrs), nil
}

// splitID derives a subgroup communicator identifier. Every member
// computes the same value because the parent's sequence number is
// SPMD-synchronized at the time of the split.
func splitID(parent, seq uint64, color int) uint64 {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:], parent)
	binary.LittleEndian.PutUint64(b[8:], seq)
	binary.LittleEndian.PutUint64(b[16:], uint64(color))
	return murmur3.Sum64(b[:])
}
