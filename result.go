// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

import (
	"gonum.org/v1/gonum/mat"
)

// A Cube is a dense 3-axis array in row-major order. It stores the
// banded resolution matrices: axis 0 indexes spectra, axis 1 indexes
// matrix diagonals, and axis 2 indexes wavelength bins. (Package
// gonum/mat has no 3-axis dense container.)
type Cube struct {
	N0, N1, N2 int
	Data       []float64
}

// MakeCube returns a zero-initialized cube with the given dimensions.
func MakeCube(n0, n1, n2 int) Cube {
	return Cube{N0: n0, N1: n1, N2: n2, Data: make([]float64, n0*n1*n2)}
}

// Band returns the cube's last-axis vector at (i, j). The returned
// slice aliases the cube's storage.
func (c Cube) Band(i, j int) []float64 {
	off := (i*c.N1 + j) * c.N2
	return c.Data[off : off+c.N2]
}

// At returns the element at (i, j, k).
func (c Cube) At(i, j, k int) float64 {
	return c.Data[(i*c.N1+j)*c.N2+k]
}

// A PatchResult holds the extraction kernel's output for one patch:
// flux, inverse variance, and the banded resolution matrix, indexed
// by (local spectrum, local wavelength) before overlap trimming. Flux
// and Ivar have dimensions nspectra x nwavestep; Rdiags has
// dimensions nspectra x (2*ndiag+1) x nwavestep.
type PatchResult struct {
	Flux   *mat.Dense
	Ivar   *mat.Dense
	Rdiags Cube
}

// A PatchPair couples a patch with its extraction result, preserving
// the geometry needed for reassembly through gathers.
type PatchPair struct {
	Patch  Patch
	Result PatchResult
}

// A BundleResult holds the assembled extraction output for one
// bundle: bundlesize x nwave flux and inverse-variance planes and a
// bundlesize x (2*ndiag+1) x nwave resolution cube, all still in
// photons per wavelength bin.
type BundleResult struct {
	Bspecmin int
	Flux     *mat.Dense
	Ivar     *mat.Dense
	Rdiags   Cube
}

// A FrameResult is the final stacked extraction output spanning all
// requested spectra and the full, unpadded wavelength grid. It is
// immutable once returned; only the world root rank holds one.
type FrameResult struct {
	// Wave is the unpadded wavelength grid.
	Wave []float64
	// Flux is the nspec x nwave flux in photons per wavelength unit.
	Flux *mat.Dense
	// Ivar is the matching inverse variance.
	Ivar *mat.Dense
	// Mask is a row-major nspec x nwave pixel mask, nonzero where the
	// inverse variance is exactly zero.
	Mask []uint8
	// Rdiags is the nspec x (2*ndiag+1) x nwave resolution cube.
	Rdiags Cube
	// Chi2pix is a per-pixel chi-square placeholder, currently all
	// ones. See Chi2Pix.
	Chi2pix *mat.Dense
	// Meta carries pass-through header and fibermap metadata from the
	// image input, when provided.
	Meta map[string]string
}

// RawData returns the dense matrix's backing data. The matrix must be
// contiguous, i.e., allocated with mat.NewDense rather than sliced
// from a larger matrix.
func RawData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride != raw.Cols {
		panic("specslice: matrix is not contiguous")
	}
	return raw.Data
}

// FlattenPatch appends the patch result's flux, inverse variance, and
// resolution buffers to the three provided flat buffers, in row-major
// order. It is the serialization half of the variable-count gather
// protocol; the root reverses it with UnflattenPatches.
func FlattenPatch(r PatchResult, flux, ivar, rdiags []float64) (f, iv, rd []float64) {
	f = append(flux, RawData(r.Flux)...)
	iv = append(ivar, RawData(r.Ivar)...)
	rd = append(rdiags, r.Rdiags.Data...)
	return f, iv, rd
}

// UnflattenPatches reassociates gathered flat buffers with their
// patches. The patches must be given in gather (rank-major) order,
// matching the order in which each rank flattened its results.
func UnflattenPatches(patches []Patch, flux, ivar, rdiags []float64) []PatchPair {
	pairs := make([]PatchPair, len(patches))
	var foff, roff int
	for i, p := range patches {
		nflux := p.Nspectra * p.Nwavestep
		nr := p.Nspectra * (2*p.Ndiag + 1) * p.Nwavestep
		pairs[i] = PatchPair{
			Patch: p,
			Result: PatchResult{
				Flux: mat.NewDense(p.Nspectra, p.Nwavestep, flux[foff:foff+nflux:foff+nflux]),
				Ivar: mat.NewDense(p.Nspectra, p.Nwavestep, ivar[foff:foff+nflux:foff+nflux]),
				Rdiags: Cube{
					N0:   p.Nspectra,
					N1:   2*p.Ndiag + 1,
					N2:   p.Nwavestep,
					Data: rdiags[roff : roff+nr : roff+nr],
				},
			},
		}
		foff += nflux
		roff += nr
	}
	return pairs
}
