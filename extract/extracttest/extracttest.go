// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package extracttest provides a deterministic extraction engine and
// input fixtures for testing the tiling, distribution, and assembly
// machinery without a real linear-system solver. The engine's output
// is a pure function of patch geometry and one image pixel, so frames
// extracted with different rank and device counts can be compared
// bit for bit.
package extracttest

import (
	"context"

	"github.com/specslice/specslice"
	"github.com/specslice/specslice/extract"
	"gonum.org/v1/gonum/mat"
)

func init() {
	extract.Register("test", func() extract.Engine {
		return extract.Engine{Kernel: kernel{}, Spots: lookup{}}
	})
}

// lookup encodes the bundle's starting spectrum into the spot data,
// standing in for the detector positions a real PSF lookup would
// produce.
type lookup struct{}

func (lookup) Spots(ctx context.Context, bspecmin, bundlesize int, fullwave []float64, psf *extract.PSF) (*extract.Spots, error) {
	return &extract.Spots{
		Stamps:  []float64{float64(bspecmin)},
		Shape:   [4]int{1, 1, 1, 1},
		CornerX: mat.NewDense(1, 1, []float64{float64(bspecmin)}),
		CornerY: mat.NewDense(1, 1, []float64{0}),
	}, nil
}

type kernel struct{}

func (kernel) Extract(ctx context.Context, req *extract.Request) (*specslice.PatchResult, error) {
	bspecmin := int(req.Spots.Stamps[0])
	base := req.Image.At(0, 0)
	flux := mat.NewDense(req.Nspectra, req.Nwavestep, nil)
	ivar := mat.NewDense(req.Nspectra, req.Nwavestep, nil)
	rdiags := specslice.MakeCube(req.Nspectra, 2*req.Ndiag+1, req.Nwavestep)
	for i := 0; i < req.Nspectra; i++ {
		s := bspecmin + req.SpecOffset + i
		for j := 0; j < req.Nwavestep; j++ {
			w := req.Iwave - req.Wavepad + j
			flux.Set(i, j, base+1000*float64(s)+float64(w))
			if (s*31+w)%7 == 0 {
				ivar.Set(i, j, 0)
			} else {
				ivar.Set(i, j, 2+float64((s+w)%3))
			}
			for d := 0; d < 2*req.Ndiag+1; d++ {
				rdiags.Data[(i*(2*req.Ndiag+1)+d)*req.Nwavestep+j] = float64(s) + 0.001*float64(d) + 1e-6*float64(w)
			}
		}
	}
	return &specslice.PatchResult{Flux: flux, Ivar: ivar, Rdiags: rdiags}, nil
}

// Image returns a deterministic detector image fixture. Only pixel
// (0, 0) feeds the test kernel, but the whole array rides along so
// broadcasts move realistic volumes.
func Image(ny, nx int) *extract.Image {
	pixels := mat.NewDense(ny, nx, nil)
	ivar := mat.NewDense(ny, nx, nil)
	for i := 0; i < ny; i++ {
		for j := 0; j < nx; j++ {
			pixels.Set(i, j, float64(i*nx+j)/10)
			ivar.Set(i, j, 1)
		}
	}
	return &extract.Image{
		Pixels: pixels,
		Ivar:   ivar,
		Meta:   map[string]string{"CAMERA": "r1"},
	}
}

// PSF returns a PSF model fixture covering [wmin, wmax] with the
// given resolution half-bandwidth.
func PSF(wmin, wmax float64, ndiag int) *extract.PSF {
	return &extract.PSF{
		Wavemin: wmin,
		Wavemax: wmax,
		Hsizey:  ndiag,
		Meta:    map[string]string{"PSFTYPE": "test"},
	}
}
