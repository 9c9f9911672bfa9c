// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/specslice/specslice/comm"
)

// GatherArrays gathers variable-count numeric buffers at the root
// rank: each rank flattens its local arrays into one float64 buffer;
// the per-rank element counts are exchanged first so the root can
// allocate an exact-sized receive buffer; a variable-count gather
// then fills it in rank order. This avoids padding and truncation and
// preserves exact per-patch counts even when work divides unevenly
// across ranks. The root receives the concatenation and the per-rank
// counts; other ranks receive nil. Callers reshape the result using
// the shared trailing-dimension shape (see UnflattenPatches).
func GatherArrays(ctx context.Context, c comm.Comm, send []float64, root int) ([]float64, []int, error) {
	var cbuf [8]byte
	binary.LittleEndian.PutUint64(cbuf[:], uint64(len(send)))
	gathered, err := c.Gather(ctx, cbuf[:], root)
	if err != nil {
		return nil, nil, err
	}
	var counts []int
	if c.Rank() == root {
		counts = make([]int, len(gathered))
		for i, b := range gathered {
			if len(b) != 8 {
				return nil, nil, errors.E(errors.Precondition,
					fmt.Sprintf("gather: malformed count from rank %d", i))
			}
			counts[i] = int(binary.LittleEndian.Uint64(b))
		}
	}
	recv, err := c.Gatherv(ctx, send, counts, root)
	if err != nil {
		return nil, nil, err
	}
	if c.Rank() != root {
		return nil, nil, nil
	}
	return recv, counts, nil
}
