// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// each runs fn concurrently on every rank of a fresh n-rank group.
func each(t *testing.T, n int, fn func(ctx context.Context, c Comm) error) {
	t.Helper()
	comms := NewGroup(n)
	g, ctx := errgroup.WithContext(context.Background())
	for _, c := range comms {
		c := c
		g.Go(func() error { return fn(ctx, c) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestBroadcast(t *testing.T) {
	each(t, 4, func(ctx context.Context, c Comm) error {
		var send []byte
		if c.Rank() == 2 {
			send = []byte("hello")
		}
		recv, err := c.Broadcast(ctx, send, 2)
		if err != nil {
			return err
		}
		if !bytes.Equal(recv, []byte("hello")) {
			return fmt.Errorf("rank %d: got %q", c.Rank(), recv)
		}
		return nil
	})
}

func TestGather(t *testing.T) {
	each(t, 5, func(ctx context.Context, c Comm) error {
		send := []byte{byte(c.Rank() * 10)}
		recv, err := c.Gather(ctx, send, 1)
		if err != nil {
			return err
		}
		if c.Rank() != 1 {
			if recv != nil {
				return fmt.Errorf("rank %d: non-root received %v", c.Rank(), recv)
			}
			return nil
		}
		for i, b := range recv {
			if want := []byte{byte(i * 10)}; !bytes.Equal(b, want) {
				return fmt.Errorf("slot %d: got %v, want %v", i, b, want)
			}
		}
		return nil
	})
}

func TestGatherv(t *testing.T) {
	each(t, 3, func(ctx context.Context, c Comm) error {
		// Rank r contributes r elements; rank 1 contributes none.
		var send []float64
		for i := 0; i < c.Rank(); i++ {
			send = append(send, float64(c.Rank())+float64(i)/10)
		}
		if c.Rank() == 1 {
			send = nil
		}
		counts := []int{0, 0, 2}
		if c.Rank() != 0 {
			counts = nil
		}
		recv, err := c.Gatherv(ctx, send, counts, 0)
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			return nil
		}
		if want := []float64{2, 2.1}; !reflect.DeepEqual(recv, want) {
			return fmt.Errorf("got %v, want %v", recv, want)
		}
		return nil
	})
}

func TestBarrier(t *testing.T) {
	// Every rank marks its per-round slot before the barrier; after it,
	// all marks of the round must be visible to every rank. The
	// barrier's internal lock provides the happens-before edge.
	const n, rounds = 4, 8
	marks := make([]int, rounds*n)
	each(t, n, func(ctx context.Context, c Comm) error {
		for i := 0; i < rounds; i++ {
			marks[i*n+c.Rank()] = 1
			if err := c.Barrier(ctx); err != nil {
				return err
			}
			for r := 0; r < n; r++ {
				if marks[i*n+r] != 1 {
					return fmt.Errorf("rank %d: round %d: rank %d mark missing after barrier", c.Rank(), i, r)
				}
			}
		}
		return nil
	})
}

func TestSplit(t *testing.T) {
	each(t, 6, func(ctx context.Context, c Comm) error {
		// Odd/even colors; negative keys reverse the rank order within
		// each subgroup.
		sub, err := c.Split(ctx, c.Rank()%2, -c.Rank())
		if err != nil {
			return err
		}
		if got, want := sub.Size(), 3; got != want {
			return fmt.Errorf("rank %d: got size %v, want %v", c.Rank(), got, want)
		}
		// Parent ranks 4,2,0 land at subgroup ranks 0,1,2 (and likewise
		// 5,3,1 for the odd color).
		if got, want := sub.Rank(), (c.Size()-2-c.Rank()+c.Rank()%2)/2; got != want {
			return fmt.Errorf("rank %d: got subrank %v, want %v", c.Rank(), got, want)
		}
		// The subgroup must be usable as a communicator in its own
		// right.
		var send []byte
		if sub.Rank() == 0 {
			send = []byte{byte(c.Rank() % 2)}
		}
		recv, err := sub.Broadcast(ctx, send, 0)
		if err != nil {
			return err
		}
		if !bytes.Equal(recv, []byte{byte(c.Rank() % 2)}) {
			return fmt.Errorf("rank %d: got %v", c.Rank(), recv)
		}
		return nil
	})
}

func TestCancel(t *testing.T) {
	comms := NewGroup(2)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- comms[0].Barrier(ctx)
	}()
	// Rank 1 never arrives; the waiting rank must unblock on cancel.
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected error from cancelled barrier")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled barrier did not return")
	}
}
