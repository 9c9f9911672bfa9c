// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/specslice/specslice"
	"github.com/specslice/specslice/stats"
	"gonum.org/v1/gonum/mat"
)

// A Dispatcher invokes the extraction kernel once per assigned patch
// on its backend, bracketing each call with profiling counters. The
// counters never affect the numerical result.
type Dispatcher struct {
	Backend Backend
	Kernel  Kernel
	Stats   *stats.Map
}

// Extract runs the kernel for a single patch against the full
// (backend-resident) image arrays and the bundle's cached spots. The
// padded window [iwave-wavepad, iwave-wavepad+nwavestep) is always
// requested at full width; trimming happens at assembly. Kernel
// errors propagate unwrapped and abort the run.
func (d *Dispatcher) Extract(ctx context.Context, image, ivar *mat.Dense, spots *Spots, patch specslice.Patch) (*specslice.PatchResult, error) {
	release, err := d.Backend.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	log.Debug.Printf("extract: ispec=%d iwave=%d", patch.Ispec, patch.Iwave)
	start := time.Now()
	result, err := d.Kernel.Extract(ctx, &Request{
		Image:      image,
		Ivar:       ivar,
		Spots:      spots,
		SpecOffset: patch.Ispec - patch.Bspecmin,
		Nspectra:   patch.Nspectra,
		Iwave:      patch.Iwave,
		Nwavestep:  patch.Nwavestep,
		Wavepad:    patch.Wavepad,
		Bundlesize: patch.Bundlesize,
		Ndiag:      patch.Ndiag,
	})
	if err != nil {
		return nil, err
	}
	d.Stats.Int("patches").Add(1)
	d.Stats.Int("kernelns").Add(int64(time.Since(start)))
	if err := checkShape(result, patch); err != nil {
		return nil, err
	}
	return result, nil
}

// checkShape validates the kernel's output dimensions against the
// patch geometry. A mismatch would corrupt assembly silently, so it
// is refused here.
func checkShape(r *specslice.PatchResult, p specslice.Patch) error {
	nr, nc := r.Flux.Dims()
	if nr != p.Nspectra || nc != p.Nwavestep {
		return errors.E(errors.Precondition,
			fmt.Sprintf("kernel returned flux %dx%d for patch %dx%d", nr, nc, p.Nspectra, p.Nwavestep))
	}
	nr, nc = r.Ivar.Dims()
	if nr != p.Nspectra || nc != p.Nwavestep {
		return errors.E(errors.Precondition,
			fmt.Sprintf("kernel returned ivar %dx%d for patch %dx%d", nr, nc, p.Nspectra, p.Nwavestep))
	}
	if r.Rdiags.N0 != p.Nspectra || r.Rdiags.N1 != 2*p.Ndiag+1 || r.Rdiags.N2 != p.Nwavestep {
		return errors.E(errors.Precondition,
			fmt.Sprintf("kernel returned resolution %dx%dx%d for patch %dx%dx%d",
				r.Rdiags.N0, r.Rdiags.N1, r.Rdiags.N2, p.Nspectra, 2*p.Ndiag+1, p.Nwavestep))
	}
	return nil
}
