// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package extract implements the divide-and-conquer extraction
// pipeline: per-patch kernel dispatch, per-bundle extraction and
// assembly, and the frame-level orchestrator that drives bundle
// iteration, gathers results across ranks, and stacks the final
// frame. The extraction kernel itself is an external collaborator
// reached through the Kernel interface.
package extract

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/specslice/specslice"
	"gonum.org/v1/gonum/mat"
)

// An Image is a detector image and its per-pixel inverse variance,
// with pass-through header and fibermap metadata. Images are
// broadcast once to all ranks before any bundle work begins and are
// read-only for the remainder of the run.
type Image struct {
	Pixels *mat.Dense
	Ivar   *mat.Dense
	Meta   map[string]string
}

// A PSF is the per-fiber point-spread-function model, consumed
// read-only. Its payload is opaque to the distribution layer; only
// the wavelength coverage and resolution half-bandwidth metadata are
// interpreted here.
type PSF struct {
	// Wavemin and Wavemax bound the model's wavelength coverage; they
	// provide the default extraction range.
	Wavemin, Wavemax float64
	// Hsizey is the resolution half-bandwidth: the number of
	// resolution-matrix diagonals kept on each side of the main one.
	Hsizey int
	// Meta carries any further model metadata.
	Meta map[string]string
	// Model is the opaque model payload interpreted by the spot
	// lookup and the kernel.
	Model []byte
}

// Spots holds the cached PSF spot stamps and pixel-corner offsets for
// one bundle over the padded wavelength grid. It is produced by a
// SpotLookup once per bundle and passed to every patch extraction of
// that bundle; the distribution layer never interprets it.
type Spots struct {
	// Stamps is the flattened stamp array with dimensions Shape:
	// (spectrum, wavelength, y, x).
	Stamps []float64
	Shape  [4]int
	// CornerX and CornerY give the per-(spectrum, wavelength) pixel
	// corner of each stamp on the detector.
	CornerX *mat.Dense
	CornerY *mat.Dense
}

// A Request describes one padded patch extraction. The kernel always
// receives the full, fixed patch width regardless of whether the tail
// will be discarded: uniform request sizes keep transfer and kernel
// cost predictable and let device memory layouts be reused across
// patches.
type Request struct {
	// Image and Ivar are the full (backend-resident) detector arrays.
	Image *mat.Dense
	Ivar  *mat.Dense
	// Spots is the bundle's cached spot/corner data.
	Spots *Spots
	// SpecOffset is the patch's starting spectrum relative to its
	// bundle (ispec - bspecmin).
	SpecOffset int
	// Nspectra is the number of spectra to extract.
	Nspectra int
	// Iwave is the starting wavelength bin in padded coordinates.
	Iwave int
	// Nwavestep is the number of wavelength bins to return.
	Nwavestep int
	// Wavepad is the number of pad bins extracted and discarded on
	// each end of the window.
	Wavepad int
	// Bundlesize is the owning bundle's spectrum count.
	Bundlesize int
	// Ndiag is the kept resolution band half-width.
	Ndiag int
}

// A Kernel solves the linear system for one padded patch, returning
// flux, inverse variance, and resolution diagonals of width exactly
// Nwavestep. A kernel failure (for example, a singular system) aborts
// the entire extraction run: there are no retries and no partial
// frames.
type Kernel interface {
	Extract(ctx context.Context, req *Request) (*specslice.PatchResult, error)
}

// A SpotLookup produces the PSF spot stamps and corner offsets for a
// bundle over the padded wavelength grid.
type SpotLookup interface {
	Spots(ctx context.Context, bspecmin, bundlesize int, fullwave []float64, psf *PSF) (*Spots, error)
}

// An Engine couples an extraction kernel with its PSF spot lookup.
type Engine struct {
	Kernel Kernel
	Spots  SpotLookup
}

var (
	enginesMu sync.Mutex
	engines   = make(map[string]func() Engine)
)

// Register registers an engine constructor under a name. In
// multi-process runs every rank reconstructs its engine from the
// registered name, so programs must register their engines at init
// time, identically in every process of the same binary. Register
// panics if the name is already taken.
func Register(name string, fn func() Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, ok := engines[name]; ok {
		panic("extract.Register: duplicate engine " + name)
	}
	engines[name] = fn
}

// GetEngine constructs the engine registered under name.
func GetEngine(name string) (Engine, error) {
	enginesMu.Lock()
	fn, ok := engines[name]
	var names []string
	if !ok {
		for name := range engines {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	enginesMu.Unlock()
	if !ok {
		return Engine{}, errors.E(errors.Invalid, fmt.Sprintf("extract: no engine %q (registered: %v)", name, names))
	}
	return fn(), nil
}
