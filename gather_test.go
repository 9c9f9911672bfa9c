// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

import (
	"context"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/specslice/specslice/comm"
	"golang.org/x/sync/errgroup"
)

// runGather drives GatherArrays over an in-process group, one
// goroutine per rank, and returns root's view.
func runGather(t *testing.T, sends [][]float64, root int) ([]float64, []int) {
	t.Helper()
	ctx := context.Background()
	comms := comm.NewGroup(len(sends))
	var (
		recv   []float64
		counts []int
	)
	g, ctx := errgroup.WithContext(ctx)
	for rank := range sends {
		rank := rank
		g.Go(func() error {
			r, c, err := GatherArrays(ctx, comms[rank], sends[rank], root)
			if err != nil {
				return err
			}
			if rank == root {
				recv, counts = r, c
			} else if r != nil || c != nil {
				t.Errorf("rank %d: non-root received data", rank)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	return recv, counts
}

func TestGatherArrays(t *testing.T) {
	sends := [][]float64{
		{0.5, 1.5},
		{10},
		nil,
		{30, 31, 32, 33},
	}
	recv, counts := runGather(t, sends, 0)
	want := []float64{0.5, 1.5, 10, 30, 31, 32, 33}
	if !reflect.DeepEqual(recv, want) {
		t.Errorf("got %v, want %v", recv, want)
	}
	if wantCounts := []int{2, 1, 0, 4}; !reflect.DeepEqual(counts, wantCounts) {
		t.Errorf("got %v, want %v", counts, wantCounts)
	}
}

// TestGatherArraysFuzz checks that arbitrary per-rank buffers gather
// in rank order with exact counts, including when the root itself
// contributes and when it does not.
func TestGatherArraysFuzz(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	fz.NumElements(0, 100)
	for trial := 0; trial < 20; trial++ {
		n := 1 + trial%5
		root := trial % n
		sends := make([][]float64, n)
		var want []float64
		wantCounts := make([]int, n)
		for i := range sends {
			fz.Fuzz(&sends[i])
			want = append(want, sends[i]...)
			wantCounts[i] = len(sends[i])
		}
		recv, counts := runGather(t, sends, root)
		if !reflect.DeepEqual(counts, wantCounts) {
			t.Fatalf("trial %d: got counts %v, want %v", trial, counts, wantCounts)
		}
		if len(recv) != len(want) {
			t.Fatalf("trial %d: got %d elements, want %d", trial, len(recv), len(want))
		}
		for i := range want {
			if recv[i] != want[i] {
				t.Fatalf("trial %d: element %d: got %v, want %v", trial, i, recv[i], want[i])
			}
		}
	}
}
