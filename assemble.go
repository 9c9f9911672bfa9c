// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

import (
	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// AssembleBundle scatters trimmed per-patch results into
// bundle-shaped output arrays. The supplied pairs must tile the
// bundle's (spectrum, wavelength) space exactly once; this is
// guaranteed by construction when every patch generated by
// BundlePatches is present exactly once, which is the distribution
// protocol's obligation. Gaps or duplicates are not detected here and
// produce silently wrong output.
//
// Assembly is order independent: no two pairs write the same
// destination cell, so any permutation of pairs yields an identical
// result.
func AssembleBundle(pairs []PatchPair) (*BundleResult, error) {
	if len(pairs) == 0 {
		return nil, errors.E(errors.Invalid, "assemble: no patches")
	}
	p0 := pairs[0].Patch
	bundle := &BundleResult{
		Bspecmin: p0.Bspecmin,
		Flux:     mat.NewDense(p0.Bundlesize, p0.Nwave, nil),
		Ivar:     mat.NewDense(p0.Bundlesize, p0.Nwave, nil),
		Rdiags:   MakeCube(p0.Bundlesize, 2*p0.Ndiag+1, p0.Nwave),
	}
	for _, pair := range pairs {
		p := pair.Patch
		keep := p.Keep
		if keep <= 0 {
			continue
		}
		// The destination wave span may extend past nwave for the
		// last patch in a bundle; only the kept columns are written.
		dstFlux := bundle.Flux.Slice(p.Spec.Lo, p.Spec.Hi, p.Wave.Lo, p.Wave.Lo+keep).(*mat.Dense)
		dstFlux.Copy(pair.Result.Flux.Slice(0, p.Nspectra, 0, keep))
		dstIvar := bundle.Ivar.Slice(p.Spec.Lo, p.Spec.Hi, p.Wave.Lo, p.Wave.Lo+keep).(*mat.Dense)
		dstIvar.Copy(pair.Result.Ivar.Slice(0, p.Nspectra, 0, keep))
		// The resolution band is copied along the wavelength axis
		// only; the diagonal-offset axis is copied whole.
		for i := 0; i < p.Nspectra; i++ {
			for j := 0; j < 2*p.Ndiag+1; j++ {
				dst := bundle.Rdiags.Band(p.Spec.Lo+i, j)
				copy(dst[p.Wave.Lo:p.Wave.Lo+keep], pair.Result.Rdiags.Band(i, j)[:keep])
			}
		}
	}
	return bundle, nil
}
