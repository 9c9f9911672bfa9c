// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

import (
	"context"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/specslice/specslice/comm"
	"golang.org/x/sync/errgroup"
)

func TestDeriveSingle(t *testing.T) {
	ctx := context.Background()
	topo, err := Derive(ctx, comm.Single(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := topo.ProcsPerDevice, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := topo.Device, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !topo.Assembler() || !topo.Root() {
		t.Error("single rank must be assembler and root")
	}
	if got, want := topo.BundleComm.Size(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestDerive checks the two-level decomposition for 8 ranks on 2
// devices: ranks 0-3 share device 0 and ranks 4-7 share device 1;
// bundle groups are the device blocks, and each frame group pairs the
// ranks at the same intra-block offset.
func TestDerive(t *testing.T) {
	const n, devices = 8, 2
	ctx := context.Background()
	comms := comm.NewGroup(n)
	topos := make([]*Topology, n)
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank := rank
		g.Go(func() error {
			topo, err := Derive(ctx, comms[rank], devices)
			if err != nil {
				return err
			}
			topos[rank] = topo
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for rank, topo := range topos {
		if got, want := topo.ProcsPerDevice, 4; got != want {
			t.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
		if got, want := topo.Device, rank/4; got != want {
			t.Errorf("rank %d: got device %v, want %v", rank, got, want)
		}
		if got, want := topo.BundleComm.Size(), 4; got != want {
			t.Errorf("rank %d: got bundle size %v, want %v", rank, got, want)
		}
		if got, want := topo.BundleComm.Rank(), rank%4; got != want {
			t.Errorf("rank %d: got bundle rank %v, want %v", rank, got, want)
		}
		if got, want := topo.FrameComm.Size(), 2; got != want {
			t.Errorf("rank %d: got frame size %v, want %v", rank, got, want)
		}
		if got, want := topo.FrameComm.Rank(), rank/4; got != want {
			t.Errorf("rank %d: got frame rank %v, want %v", rank, got, want)
		}
		if got, want := topo.Assembler(), rank%4 == 0; got != want {
			t.Errorf("rank %d: got assembler %v, want %v", rank, got, want)
		}
		if got, want := topo.Root(), rank == 0; got != want {
			t.Errorf("rank %d: got root %v, want %v", rank, got, want)
		}
	}
}

func TestDeriveIndivisible(t *testing.T) {
	ctx := context.Background()
	comms := comm.NewGroup(3)
	// The divisibility check fails before any collective, so every
	// rank can derive sequentially without deadlocking.
	for rank := 0; rank < 3; rank++ {
		_, err := Derive(ctx, comms[rank], 2)
		if err == nil {
			t.Fatalf("rank %d: expected error", rank)
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: unexpected error: %v", rank, err)
		}
	}
}

func TestBundles(t *testing.T) {
	for _, c := range []struct {
		devices, device int
		want            []int
	}{
		{1, 0, []int{0, 25, 50, 75}},
		{2, 0, []int{0, 50}},
		{2, 1, []int{25, 75}},
		{4, 3, []int{75}},
	} {
		topo := &Topology{Devices: c.devices, Device: c.device}
		if got := topo.Bundles(0, 100, 25); !reflect.DeepEqual(got, c.want) {
			t.Errorf("device %d/%d: got %v, want %v", c.device, c.devices, got, c.want)
		}
	}
	// A partial final bundle still gets dealt.
	topo := &Topology{Devices: 2, Device: 1}
	if got, want := topo.Bundles(500, 30, 25), []int{525}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
