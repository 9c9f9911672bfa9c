// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// A Grid is the wavelength grid for one frame extraction: the target
// grid Wave and its padded extension Full, which leads Wave by
// Wavepad bins and trails it by Wavepad+nwavestep bins so that the
// final, possibly partial, patch of every bundle has full coverage.
type Grid struct {
	// Wave is the unpadded target grid, arange(wmin, wmax+dw/2, dw).
	Wave []float64
	// Full is the padded grid at the same uniform spacing.
	Full []float64
	// Dw is the grid spacing.
	Dw float64
	// Wavepad is the number of pad bins preceding Wave in Full.
	Wavepad int
}

// NewGrid computes the target and padded wavelength grids. The
// concatenated grid must be uniformly spaced at dw; a violation
// indicates a topology or parameter bug and is fatal, not
// recoverable.
func NewGrid(wmin, wmax, dw float64, wavepad, nwavestep int) (*Grid, error) {
	wave := arange(wmin, wmax+0.5*dw, dw)
	// A one-bin grid has no defined spacing, so the unit conversion
	// (flux divided by the local gradient) would be undefined too.
	if len(wave) < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("wavelength range [%g,%g,%g] yields %d bins, need at least 2", wmin, wmax, dw, len(wave)))
	}
	full := make([]float64, 0, len(wave)+2*wavepad+nwavestep)
	for i := 0; i < wavepad; i++ {
		full = append(full, wmin-float64(wavepad-i)*dw)
	}
	full = append(full, wave...)
	last := wave[len(wave)-1]
	for i := 0; i < wavepad+nwavestep; i++ {
		full = append(full, last+float64(i+1)*dw)
	}
	diffs := make([]float64, len(full)-1)
	want := make([]float64, len(diffs))
	for i := range diffs {
		diffs[i] = full[i+1] - full[i]
		want[i] = dw
	}
	if !floats.EqualApprox(diffs, want, 1e-8) {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("padded wavelength grid is not uniform at dw=%g", dw))
	}
	return &Grid{Wave: wave, Full: full, Dw: dw, Wavepad: wavepad}, nil
}

// arange returns start + i*step for i in [0, ceil((stop-start)/step)),
// matching numpy's arange semantics for positive steps.
func arange(start, stop, step float64) []float64 {
	n := int(math.Ceil((stop - start) / step))
	if n < 0 {
		n = 0
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Gradient returns the local spacing of the grid: central differences
// in the interior, one-sided differences at the ends.
func Gradient(wave []float64) []float64 {
	n := len(wave)
	g := make([]float64, n)
	if n < 2 {
		return g
	}
	g[0] = wave[1] - wave[0]
	g[n-1] = wave[n-1] - wave[n-2]
	for i := 1; i < n-1; i++ {
		g[i] = (wave[i+1] - wave[i-1]) / 2
	}
	return g
}

// ConvertUnits converts flux from photons per wavelength bin to
// photons per wavelength unit, dividing each column by the local grid
// spacing and scaling the matching inverse variance by its square.
// Both matrices are modified in place.
func ConvertUnits(flux, ivar *mat.Dense, wave []float64) {
	dwave := Gradient(wave)
	rows, cols := flux.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			flux.Set(i, j, flux.At(i, j)/dwave[j])
			ivar.Set(i, j, ivar.At(i, j)*dwave[j]*dwave[j])
		}
	}
}
