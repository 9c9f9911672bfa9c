// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extract

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/grailbio/base/log"
	"github.com/specslice/specslice"
	"github.com/specslice/specslice/comm"
	"github.com/specslice/specslice/stats"
	"gonum.org/v1/gonum/mat"
)

// A bundleJob carries everything one rank needs to extract its share
// of a single bundle.
type bundleJob struct {
	image, ivar *mat.Dense // backend resident
	psf         *PSF
	grid        *specslice.Grid
	bspecmin    int
	params      Params
	ndiag       int
	comm        comm.Comm // bundle group
	dispatcher  *Dispatcher
	lookup      SpotLookup
}

// extractBundle extracts the 1D spectra of one bundle. Patches are
// dealt round-robin to the ranks of the bundle group; each rank
// extracts its share, copies results to the host, and the group
// gathers (patch, result) pairs at rank 0, which assembles the bundle
// result. The returned bundle is non-nil only on bundle rank 0.
func extractBundle(ctx context.Context, job bundleJob) (*specslice.BundleResult, error) {
	timer := stats.NewTimer()
	spots, err := job.lookup.Spots(ctx, job.bspecmin, job.params.Bundlesize, job.grid.Full, job.psf)
	if err != nil {
		return nil, err
	}
	timer.Split("spots")

	patches := specslice.BundlePatches(job.bspecmin, job.params.Bundlesize,
		job.params.Nsubbundles, len(job.grid.Wave), job.params.Nwavestep,
		job.params.Wavepad, job.ndiag)
	timer.Split("tile")

	var (
		rank, size = job.comm.Rank(), job.comm.Size()
		mine       []specslice.Patch
		flux       []float64
		ivar       []float64
		rdiags     []float64
	)
	for i := rank; i < len(patches); i += size {
		patch := patches[i]
		result, err := job.dispatcher.Extract(ctx, job.image, job.ivar, spots, patch)
		if err != nil {
			return nil, err
		}
		// Result buffers return to the host before any inter-rank
		// exchange; collectives operate on host memory only.
		result, err = resultToHost(ctx, job.dispatcher.Backend, result)
		if err != nil {
			return nil, err
		}
		mine = append(mine, patch)
		flux, ivar, rdiags = specslice.FlattenPatch(*result, flux, ivar, rdiags)
	}
	timer.Split("extract")

	allPatches, err := gatherPatches(ctx, job.comm, mine, 0)
	if err != nil {
		return nil, err
	}
	allFlux, _, err := specslice.GatherArrays(ctx, job.comm, flux, 0)
	if err != nil {
		return nil, err
	}
	allIvar, _, err := specslice.GatherArrays(ctx, job.comm, ivar, 0)
	if err != nil {
		return nil, err
	}
	allRdiags, _, err := specslice.GatherArrays(ctx, job.comm, rdiags, 0)
	if err != nil {
		return nil, err
	}
	timer.Split("gather")

	if rank != 0 {
		return nil, nil
	}
	pairs := specslice.UnflattenPatches(allPatches, allFlux, allIvar, allRdiags)
	bundle, err := specslice.AssembleBundle(pairs)
	if err != nil {
		return nil, err
	}
	timer.Split("assemble")
	log.Debug.Printf("bundle %d: %s", job.bspecmin, timer)
	return bundle, nil
}

// resultToHost copies a patch result's buffers from backend memory to
// host memory. On the host backend this is a no-op.
func resultToHost(ctx context.Context, backend Backend, r *specslice.PatchResult) (*specslice.PatchResult, error) {
	flux, err := backend.ToHost(ctx, specslice.RawData(r.Flux))
	if err != nil {
		return nil, err
	}
	ivar, err := backend.ToHost(ctx, specslice.RawData(r.Ivar))
	if err != nil {
		return nil, err
	}
	rdiags, err := backend.ToHost(ctx, r.Rdiags.Data)
	if err != nil {
		return nil, err
	}
	nr, nc := r.Flux.Dims()
	return &specslice.PatchResult{
		Flux:   mat.NewDense(nr, nc, flux),
		Ivar:   mat.NewDense(nr, nc, ivar),
		Rdiags: specslice.Cube{N0: r.Rdiags.N0, N1: r.Rdiags.N1, N2: r.Rdiags.N2, Data: rdiags},
	}, nil
}

// gatherPatches gathers patch descriptors at the root, flattened in
// rank order. The ordering matches the rank-order concatenation of
// the flat result buffers, which is what lets the root re-pair
// geometry with data after the gather.
func gatherPatches(ctx context.Context, c comm.Comm, mine []specslice.Patch, root int) ([]specslice.Patch, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(mine); err != nil {
		return nil, err
	}
	bufs, err := c.Gather(ctx, buf.Bytes(), root)
	if err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return nil, nil
	}
	var all []specslice.Patch
	for _, b := range bufs {
		var patches []specslice.Patch
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&patches); err != nil {
			return nil, err
		}
		all = append(all, patches...)
	}
	return all, nil
}
