// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm defines the collective-communication primitives used
// to distribute extraction work across ranks, together with the
// single-process and in-process implementations. All collectives are
// blocking synchronization points: no rank proceeds past one until
// every member of the group has reached it, and every member of a
// group must call the same sequence of collectives in the same order.
// A failed collective is fatal to the run; there is no recovery,
// since correct assembly depends on receiving every expected
// contribution exactly once.
package comm

import (
	"context"
)

// Comm is a communicator over an ordered group of ranks. Ranks are
// numbered [0, Size). Implementations operate on host-resident
// buffers only; callers copy device-resident data to the host before
// any exchange.
type Comm interface {
	// Rank returns this process's rank within the group.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int

	// Broadcast distributes the root's buffer to every rank and
	// returns it. The buf argument is ignored on non-root ranks.
	Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error)

	// Gather collects every rank's buffer at the root, ordered by
	// rank. Non-root ranks receive nil.
	Gather(ctx context.Context, send []byte, root int) ([][]byte, error)

	// Gatherv collects variable-count float64 buffers at the root,
	// concatenated in rank order. The root supplies the per-rank
	// element counts, previously exchanged with Gather, and sizes its
	// receive buffer exactly; counts is ignored on non-root ranks.
	// Non-root ranks receive nil.
	Gatherv(ctx context.Context, send []float64, counts []int, root int) ([]float64, error)

	// Barrier blocks until every rank in the group has reached it.
	Barrier(ctx context.Context) error

	// Split partitions the group into disjoint subgroups, one per
	// distinct color, and returns this rank's subgroup communicator.
	// Ranks within a subgroup are ordered by (key, parent rank).
	// Every rank of the parent group must participate.
	Split(ctx context.Context, color, key int) (Comm, error)
}
