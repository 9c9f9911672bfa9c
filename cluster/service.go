// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster executes frame extractions across multiple
// processes. Each bigmachine machine hosts exactly one rank; ranks
// exchange collective-communication messages over machine-to-machine
// RPC, and the driver process starts the machines, seeds world rank 0
// with the inputs, and collects the finished frame from it. Because
// work is reconstructed on the remote side from registered engine
// names, every process of a run must execute the same binary.
package cluster

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/specslice/specslice"
	"github.com/specslice/specslice/ctxsync"
	"github.com/specslice/specslice/extract"
	"github.com/specslice/specslice/stats"
)

func init() {
	gob.Register(&service{})
}

// BackendFunc constructs the compute backend for a rank given its
// device ordinal. The default is the host backend; programs with
// accelerator drivers replace it at init time, identically in every
// process of the binary.
var BackendFunc = func(device int) extract.Backend { return extract.Host() }

// msgKey identifies one expected point-to-point payload.
type msgKey struct {
	comm uint64
	seq  uint64
	from int
}

// service is the per-machine rank service. It carries the rank's
// mailbox: peers deposit collective payloads with Deliver, and the
// local rank's communicator consumes them in order.
type service struct {
	// Exported satisfies gob's need for at least one exported field.
	Exported struct{}

	b       *bigmachine.B
	mu      sync.Mutex
	cond    *ctxsync.Cond
	mailbox map[msgKey][]byte
	stats   *stats.Map
}

// Init is called by bigmachine when the service is installed on a
// machine.
func (s *service) Init(b *bigmachine.B) error {
	s.b = b
	s.cond = ctxsync.NewCond(&s.mu)
	s.mailbox = make(map[msgKey][]byte)
	s.stats = stats.NewMap()
	return nil
}

// Deliver deposits a peer's collective payload into this rank's
// mailbox. The payload fingerprint is verified here: a mismatch
// indicates corruption in transit and is fatal to the run.
func (s *service) Deliver(ctx context.Context, m message, _ *struct{}) error {
	if got := newMessage(m.Comm, m.Seq, m.From, m.Payload).Sum; got != m.Sum {
		return errors.E(errors.Integrity,
			fmt.Sprintf("cluster: payload fingerprint mismatch from rank %d (comm %x seq %d)", m.From, m.Comm, m.Seq))
	}
	key := msgKey{m.Comm, m.Seq, m.From}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailbox[key]; ok {
		return errors.E(errors.Invalid,
			fmt.Sprintf("cluster: duplicate payload from rank %d (comm %x seq %d)", m.From, m.Comm, m.Seq))
	}
	s.mailbox[key] = m.Payload
	s.stats.Int("recvbytes").Add(int64(len(m.Payload)))
	s.cond.Broadcast()
	return nil
}

// recv blocks until the identified payload arrives, removing it from
// the mailbox.
func (s *service) recv(ctx context.Context, commID, seq uint64, from int) ([]byte, error) {
	key := msgKey{commID, seq, from}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if payload, ok := s.mailbox[key]; ok {
			delete(s.mailbox, key)
			return payload, nil
		}
		if err := s.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// deliverLocal short-circuits a rank's message to itself.
func (s *service) deliverLocal(commID, seq uint64, from int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailbox[msgKey{commID, seq, from}] = payload
	s.cond.Broadcast()
}

// A RunRequest instructs a rank to execute its share of a frame
// extraction. The image and PSF are populated for rank 0 only; rank 0
// broadcasts them to the group before bundle work begins.
type RunRequest struct {
	Rank   int
	Addrs  []string
	Params extract.Params
	Image  *extract.Image
	PSF    *extract.PSF
}

// A RunReply returns the assembled frame (world rank 0 only) and the
// rank's published counters.
type RunReply struct {
	Frame *specslice.FrameResult
	Stats stats.Values
}

// Run executes the SPMD frame extraction on this rank. All ranks of a
// run receive Run concurrently from the driver; the collectives
// inside synchronize them.
func (s *service) Run(ctx context.Context, req RunRequest, reply *RunReply) error {
	world := newComm(s, worldCommID, req.Rank, req.Addrs)
	devices := req.Params.Devices
	if devices < 1 {
		devices = 1
	}
	topo, err := specslice.Derive(ctx, world, devices)
	if err != nil {
		return err
	}
	eng, err := extract.GetEngine(req.Params.Engine)
	if err != nil {
		return err
	}
	backend := BackendFunc(topo.Device)
	log.Printf("rank %d/%d: device %d/%d backend %s", req.Rank, len(req.Addrs), topo.Device, devices, backend.Name())
	frame, err := extract.Frame(ctx, req.Image, req.PSF, req.Params, topo, eng, backend)
	if err != nil {
		return err
	}
	reply.Frame = frame
	vals := make(stats.Values)
	s.stats.AddAll(vals)
	reply.Stats = vals
	return nil
}
