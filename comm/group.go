// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/specslice/specslice/ctxsync"
)

// NewGroup returns n communicators attached to a shared in-process
// group, one per rank. Each communicator must be used by a single
// goroutine; the goroutines form an SPMD group and must issue the
// same sequence of collectives. NewGroup is how multi-rank runs are
// hosted in one process, and the vehicle for process-count-invariance
// tests.
func NewGroup(n int) []Comm {
	h := newHub(n)
	comms := make([]Comm, n)
	for i := range comms {
		comms[i] = &groupComm{hub: h, rank: i}
	}
	return comms
}

// A hub is the shared rendezvous for one in-process group. Each
// collective is a round: every rank deposits a value, the last
// arrival reduces the deposits into a single result visible to all,
// and the round's generation number advances. Because the group is
// SPMD, a round's result cannot be overwritten until every rank has
// consumed it and entered the next round.
type hub struct {
	mu   sync.Mutex
	cond *ctxsync.Cond
	n    int

	op      string
	vals    []interface{}
	arrived int
	gen     int
	out     interface{}
	err     error
}

func newHub(n int) *hub {
	h := &hub{n: n, vals: make([]interface{}, n)}
	h.cond = ctxsync.NewCond(&h.mu)
	return h
}

// round runs one collective. The reduce function is invoked exactly
// once per round, by the last rank to arrive, with the deposits in
// rank order; its result (or error) is returned to every rank.
func (h *hub) round(ctx context.Context, op string, rank int, v interface{},
	reduce func(vals []interface{}) (interface{}, error)) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.arrived > 0 && h.op != op {
		return nil, errors.E(errors.Precondition,
			fmt.Sprintf("comm: mismatched collectives: %s vs. %s", h.op, op))
	}
	if h.arrived == 0 {
		h.op = op
	}
	h.vals[rank] = v
	h.arrived++
	gen := h.gen
	if h.arrived == h.n {
		h.out, h.err = reduce(h.vals)
		h.vals = make([]interface{}, h.n)
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
	} else {
		for h.gen == gen {
			if err := h.cond.Wait(ctx); err != nil {
				return nil, err
			}
		}
	}
	return h.out, h.err
}

type groupComm struct {
	hub  *hub
	rank int
}

func (c *groupComm) Rank() int { return c.rank }
func (c *groupComm) Size() int { return c.hub.n }

func (c *groupComm) Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	out, err := c.hub.round(ctx, "broadcast", c.rank, buf,
		func(vals []interface{}) (interface{}, error) {
			return vals[root], nil
		})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.([]byte), nil
}

func (c *groupComm) Gather(ctx context.Context, send []byte, root int) ([][]byte, error) {
	out, err := c.hub.round(ctx, "gather", c.rank, send,
		func(vals []interface{}) (interface{}, error) {
			bufs := make([][]byte, len(vals))
			for i, v := range vals {
				if v != nil {
					bufs[i] = v.([]byte)
				}
			}
			return bufs, nil
		})
	if err != nil {
		return nil, err
	}
	if c.rank != root {
		return nil, nil
	}
	return out.([][]byte), nil
}

func (c *groupComm) Gatherv(ctx context.Context, send []float64, counts []int, root int) ([]float64, error) {
	if c.rank == root {
		if len(counts) != c.hub.n {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("comm: gatherv: %d counts for %d ranks", len(counts), c.hub.n))
		}
	}
	out, err := c.hub.round(ctx, "gatherv", c.rank, send,
		func(vals []interface{}) (interface{}, error) {
			var total int
			for _, v := range vals {
				total += len(v.([]float64))
			}
			recv := make([]float64, 0, total)
			for _, v := range vals {
				recv = append(recv, v.([]float64)...)
			}
			return recv, nil
		})
	if err != nil {
		return nil, err
	}
	if c.rank != root {
		return nil, nil
	}
	recv := out.([]float64)
	var off int
	for i, n := range counts {
		if off+n > len(recv) {
			return nil, errors.E(errors.Precondition,
				fmt.Sprintf("comm: gatherv: rank %d count %d exceeds received total %d", i, n, len(recv)))
		}
		off += n
	}
	if off != len(recv) {
		return nil, errors.E(errors.Precondition,
			fmt.Sprintf("comm: gatherv: counts sum to %d, received %d", off, len(recv)))
	}
	return recv, nil
}

func (c *groupComm) Barrier(ctx context.Context) error {
	_, err := c.hub.round(ctx, "barrier", c.rank, nil,
		func([]interface{}) (interface{}, error) { return nil, nil })
	return err
}

type splitArg struct {
	color, key, rank int
}

func (c *groupComm) Split(ctx context.Context, color, key int) (Comm, error) {
	out, err := c.hub.round(ctx, "split", c.rank, splitArg{color, key, c.rank},
		func(vals []interface{}) (interface{}, error) {
			args := make([]splitArg, len(vals))
			for i, v := range vals {
				args[i] = v.(splitArg)
			}
			sort.Slice(args, func(i, j int) bool {
				if args[i].color != args[j].color {
					return args[i].color < args[j].color
				}
				if args[i].key != args[j].key {
					return args[i].key < args[j].key
				}
				return args[i].rank < args[j].rank
			})
			// One fresh hub per color; each parent rank maps to its
			// subgroup communicator.
			subs := make(map[int]Comm)
			for i := 0; i < len(args); {
				j := i
				for j < len(args) && args[j].color == args[i].color {
					j++
				}
				members := NewGroup(j - i)
				for k, arg := range args[i:j] {
					subs[arg.rank] = members[k]
				}
				i = j
			}
			return subs, nil
		})
	if err != nil {
		return nil, err
	}
	return out.(map[int]Comm)[c.rank], nil
}
