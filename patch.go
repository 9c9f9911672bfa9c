// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

// A Span is a half-open index interval [Lo, Hi). Spans address
// destination rows and columns in bundle-shaped arrays.
type Span struct {
	Lo, Hi int
}

// Len returns the number of indices covered by the span. Malformed
// spans have zero length.
func (s Span) Len() int {
	if s.Hi < s.Lo {
		return 0
	}
	return s.Hi - s.Lo
}

// A Patch describes one extraction tile in (spectrum, wavelength)
// space. Patches are pure geometry: they carry where a tile's kernel
// output lands in its bundle's result arrays and how much of the
// padded output is kept. The destination spans of all patches
// generated for a bundle tile the bundle's index space exactly once.
type Patch struct {
	// Ispec is the global starting spectrum index of the patch.
	Ispec int
	// Iwave is the starting wavelength-bin index, in padded
	// coordinates (the padded grid leads the target grid by Wavepad
	// bins).
	Iwave int
	// Bspecmin is the starting spectrum index of the owning bundle.
	Bspecmin int
	// Nspectra is the number of spectra extracted by this patch.
	Nspectra int
	// Nwavestep is the fixed number of wavelength bins extracted per
	// patch, excluding padding.
	Nwavestep int
	// Wavepad is the number of extra wavelength bins extracted and
	// discarded on each end of the patch.
	Wavepad int
	// Nwave is the total number of wavelength bins in the owning
	// bundle.
	Nwave int
	// Bundlesize is the number of spectra in the owning bundle.
	Bundlesize int
	// Ndiag is the half-width of the kept resolution-matrix band.
	Ndiag int

	// Spec is the destination row range in the bundle arrays,
	// relative to Bspecmin.
	Spec Span
	// Wave is the destination column range in the bundle arrays.
	Wave Span
	// Keep is how many leading wavelength bins of the patch's own
	// output are valid. It is Nwavestep for all patches except
	// possibly the last in a bundle, which shrinks when Nwave is not
	// a multiple of Nwavestep. A non-positive Keep means there is
	// nothing to keep; it is not an error.
	Keep int
}

// NewPatch returns the patch starting at (ispec, iwave) in the bundle
// that starts at spectrum bspecmin. The derived destination spans are
// computed here, once; patches are read-only thereafter.
func NewPatch(ispec, iwave, bspecmin, nspectra, nwavestep, wavepad, nwave, bundlesize, ndiag int) Patch {
	keep := nwave - (iwave - wavepad)
	if keep > nwavestep {
		keep = nwavestep
	}
	if keep < 0 {
		keep = 0
	}
	return Patch{
		Ispec:      ispec,
		Iwave:      iwave,
		Bspecmin:   bspecmin,
		Nspectra:   nspectra,
		Nwavestep:  nwavestep,
		Wavepad:    wavepad,
		Nwave:      nwave,
		Bundlesize: bundlesize,
		Ndiag:      ndiag,
		Spec:       Span{ispec - bspecmin, ispec - bspecmin + nspectra},
		Wave:       Span{iwave - wavepad, iwave - wavepad + nwavestep},
		Keep:       keep,
	}
}

// BundlePatches enumerates the patches covering one bundle, in
// row-major order: spectrum blocks outer, wavelength blocks inner.
// The order is significant: round-robin assignment of patches to
// ranks depends on it for reproducibility. The patch count is
// nsubbundles * ceil(nwave/nwavestep).
func BundlePatches(bspecmin, bundlesize, nsubbundles, nwave, nwavestep, wavepad, ndiag int) []Patch {
	nspectra := bundlesize / nsubbundles
	var patches []Patch
	for ispec := bspecmin; ispec < bspecmin+bundlesize; ispec += nspectra {
		for iwave := wavepad; iwave < wavepad+nwave; iwave += nwavestep {
			patches = append(patches, NewPatch(ispec, iwave, bspecmin,
				nspectra, nwavestep, wavepad, nwave, bundlesize, ndiag))
		}
	}
	return patches
}
