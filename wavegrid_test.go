// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

import (
	"testing"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestArange(t *testing.T) {
	got := arange(4000, 4004.5, 1)
	want := []float64{4000, 4001, 4002, 4003, 4004}
	if !floats.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// An inclusive endpoint is realized by extending stop half a step.
	if got, want := len(arange(3600, 9800+0.4, 0.8)), 7751; got != want {
		t.Errorf("got %v elements, want %v", got, want)
	}
	if got := arange(10, 5, 1); len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestNewGrid(t *testing.T) {
	grid, err := NewGrid(4000, 4004, 1, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	wantWave := []float64{4000, 4001, 4002, 4003, 4004}
	if !floats.Equal(grid.Wave, wantWave) {
		t.Errorf("got %v, want %v", grid.Wave, wantWave)
	}
	// 2 pad bins lead the grid; 2+3 trail it.
	wantFull := []float64{3998, 3999, 4000, 4001, 4002, 4003, 4004, 4005, 4006, 4007, 4008, 4009}
	if !floats.Equal(grid.Full, wantFull) {
		t.Errorf("got %v, want %v", grid.Full, wantFull)
	}
	if got, want := grid.Wavepad, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNewGridDegenerate(t *testing.T) {
	// An inverted range yields no bins; a point range yields one.
	// Neither has a defined spacing, so both are refused.
	for _, c := range []struct{ wmin, wmax float64 }{
		{5000, 4000},
		{4000, 4000},
	} {
		_, err := NewGrid(c.wmin, c.wmax, 0.8, 10, 50)
		if err == nil {
			t.Fatalf("[%g,%g]: expected error", c.wmin, c.wmax)
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("[%g,%g]: unexpected error: %v", c.wmin, c.wmax, err)
		}
	}
}

func TestGradient(t *testing.T) {
	got := Gradient([]float64{0, 1, 3})
	want := []float64{1, 1.5, 2}
	if !floats.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := Gradient([]float64{7}); got[0] != 0 {
		t.Errorf("got %v, want 0", got[0])
	}
}

// TestConvertUnits checks the flux unit conversion from photons per
// bin to photons per wavelength unit at dw=0.8: flux divides by the
// local spacing and the inverse variance scales by its square.
func TestConvertUnits(t *testing.T) {
	wave := []float64{4000, 4000.8}
	flux := mat.NewDense(1, 2, []float64{10, 20})
	ivar := mat.NewDense(1, 2, []float64{1, 2})
	ConvertUnits(flux, ivar, wave)
	// The spacing is recovered by subtracting wavelengths of large
	// absolute value, so allow for the cancellation error.
	wantFlux := []float64{12.5, 25}
	wantIvar := []float64{0.64, 1.28}
	for j := 0; j < 2; j++ {
		if got := flux.At(0, j); !floats.EqualWithinAbs(got, wantFlux[j], 1e-9) {
			t.Errorf("flux %d: got %v, want %v", j, got, wantFlux[j])
		}
		if got := ivar.At(0, j); !floats.EqualWithinAbs(got, wantIvar[j], 1e-9) {
			t.Errorf("ivar %d: got %v, want %v", j, got, wantIvar[j])
		}
	}
}
