// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extract

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/specslice/specslice"
	"github.com/specslice/specslice/comm"
	"github.com/specslice/specslice/stats"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Params configures a frame extraction. Every rank of a run must use
// identical parameters.
type Params struct {
	// Specmin is the index of the first spectrum to extract.
	Specmin int
	// Nspec is the number of spectra to extract.
	Nspec int
	// Bundlesize is the fixed number of spectra per bundle (25 for
	// the DESI fiber layout).
	Bundlesize int
	// Nsubbundles is the number of spectrum blocks per bundle.
	Nsubbundles int
	// Nwavestep is the number of wavelength bins per patch.
	Nwavestep int
	// Wavepad is the number of wavelength bins extracted and
	// discarded on each end of every patch.
	Wavepad int
	// Wavelength is the extraction range formatted "wmin,wmax,dw".
	// When empty, the PSF's coverage is used with dw=0.8.
	Wavelength string
	// Engine names the registered extraction engine.
	Engine string
	// Devices is the number of accelerator devices shared by the
	// world group; zero means host-only.
	Devices int
}

func (p *Params) setDefaults() {
	if p.Bundlesize == 0 {
		p.Bundlesize = 25
	}
	if p.Nsubbundles == 0 {
		p.Nsubbundles = 1
	}
	if p.Nwavestep == 0 {
		p.Nwavestep = 50
	}
	if p.Wavepad == 0 {
		p.Wavepad = 10
	}
}

// ParseWavelength parses a "wmin,wmax,dw" range string.
func ParseWavelength(s string) (wmin, wmax, dw float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, 0, 0, errors.E(errors.Invalid, fmt.Sprintf("wavelength range %q: want wmin,wmax,dw", s))
	}
	vals := make([]float64, 3)
	for i, part := range parts {
		vals[i], err = strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return 0, 0, 0, errors.E(errors.Invalid, fmt.Sprintf("wavelength range %q: bad value %q", s, part))
		}
	}
	return vals[0], vals[1], vals[2], nil
}

// MaskPixels derives the per-pixel mask from the frame's inverse
// variance: nonzero where the inverse variance is exactly zero. A
// real masking policy is an extension point; replace this variable to
// install one.
var MaskPixels = func(ivar *mat.Dense) []uint8 {
	rows, cols := ivar.Dims()
	mask := make([]uint8, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if ivar.At(i, j) == 0 {
				mask[i*cols+j] = 1
			}
		}
	}
	return mask
}

// Chi2Pix produces the per-pixel chi-square array. No policy is
// defined yet, so it returns all ones; replace this variable to
// install one.
var Chi2Pix = func(nspec, nwave int) *mat.Dense {
	chi2 := mat.NewDense(nspec, nwave, nil)
	for i := 0; i < nspec; i++ {
		for j := 0; j < nwave; j++ {
			chi2.Set(i, j, 1)
		}
	}
	return chi2
}

// Frame extracts 1D spectra from a 2D detector image. Every rank of
// the topology's world group calls Frame with the same parameters;
// the image and PSF need only be supplied on world rank 0, which
// broadcasts them to the group before any bundle work begins. The
// assembled frame is returned on the world root; all other ranks
// return nil. The output is deterministic and independent of the
// number of ranks and devices.
func Frame(ctx context.Context, img *Image, psf *PSF, params Params, topo *specslice.Topology, eng Engine, backend Backend) (*specslice.FrameResult, error) {
	params.setDefaults()
	timer := stats.NewTimer()

	img, psf, err := broadcastInputs(ctx, topo.World, img, psf)
	if err != nil {
		return nil, err
	}
	timer.Split("broadcast")

	var wmin, wmax, dw float64
	if params.Wavelength != "" {
		wmin, wmax, dw, err = ParseWavelength(params.Wavelength)
		if err != nil {
			return nil, err
		}
	} else {
		wmin, wmax, dw = psf.Wavemin, psf.Wavemax, 0.8
	}
	if topo.Root() {
		log.Printf("extracting wavelengths %g,%g,%g", wmin, wmax, dw)
	}
	grid, err := specslice.NewGrid(wmin, wmax, dw, params.Wavepad, params.Nwavestep)
	if err != nil {
		return nil, err
	}
	ndiag := psf.Hsizey

	// Move the read-only image arrays to backend memory once; every
	// patch extraction reuses them.
	pixels, err := toBackend(ctx, backend, img.Pixels)
	if err != nil {
		return nil, err
	}
	ivar, err := toBackend(ctx, backend, img.Ivar)
	if err != nil {
		return nil, err
	}
	timer.Split("transfer")

	dispatcher := &Dispatcher{Backend: backend, Kernel: eng.Kernel, Stats: stats.NewMap()}
	var bundles []*specslice.BundleResult
	for _, bspecmin := range topo.Bundles(params.Specmin, params.Nspec, params.Bundlesize) {
		log.Printf("rank %d: extracting spectra [%d:%d]", topo.World.Rank(), bspecmin, bspecmin+params.Bundlesize)
		bundle, err := extractBundle(ctx, bundleJob{
			image:      pixels,
			ivar:       ivar,
			psf:        psf,
			grid:       grid,
			bspecmin:   bspecmin,
			params:     params,
			ndiag:      ndiag,
			comm:       topo.BundleComm,
			dispatcher: dispatcher,
			lookup:     eng.Spots,
		})
		if err != nil {
			return nil, err
		}
		if bundle != nil {
			bundles = append(bundles, bundle)
		}
		// No rank starts consuming shared input buffers for the next
		// bundle while another is still mid-transfer.
		if err := topo.BundleComm.Barrier(ctx); err != nil {
			return nil, err
		}
	}
	timer.Split("bundles")

	all, err := gatherBundles(ctx, topo, bundles)
	if err != nil {
		return nil, err
	}
	timer.Split("gather")
	if !topo.Root() {
		return nil, nil
	}

	frame := stackBundles(all, grid.Wave, params, ndiag, img.Meta)
	timer.Split("stack")
	log.Debug.Printf("frame: %s; %s", timer, snapshot(dispatcher.Stats))
	return frame, nil
}

// broadcastInputs distributes the image and PSF from world rank 0 to
// all ranks. They are read-only for the remainder of the run; no rank
// mutates shared input state.
func broadcastInputs(ctx context.Context, world comm.Comm, img *Image, psf *PSF) (*Image, *PSF, error) {
	if world.Size() == 1 {
		if img == nil || psf == nil {
			return nil, nil, errors.E(errors.Invalid, "extract: nil image or psf")
		}
		return img, psf, nil
	}
	var send []byte
	if world.Rank() == 0 {
		if img == nil || psf == nil {
			return nil, nil, errors.E(errors.Invalid, "extract: nil image or psf on root")
		}
		var buf bytes.Buffer
		enc := gob.NewEncoder(&buf)
		if err := enc.Encode(img); err != nil {
			return nil, nil, err
		}
		if err := enc.Encode(psf); err != nil {
			return nil, nil, err
		}
		send = buf.Bytes()
	}
	recv, err := world.Broadcast(ctx, send, 0)
	if err != nil {
		return nil, nil, err
	}
	if world.Rank() == 0 {
		return img, psf, nil
	}
	dec := gob.NewDecoder(bytes.NewReader(recv))
	img = new(Image)
	psf = new(PSF)
	if err := dec.Decode(img); err != nil {
		return nil, nil, err
	}
	if err := dec.Decode(psf); err != nil {
		return nil, nil, err
	}
	return img, psf, nil
}

func toBackend(ctx context.Context, backend Backend, m *mat.Dense) (*mat.Dense, error) {
	data, err := backend.ToDevice(ctx, specslice.RawData(m))
	if err != nil {
		return nil, err
	}
	rows, cols := m.Dims()
	return mat.NewDense(rows, cols, data), nil
}

// gatherBundles collects assembled bundle results at the world root.
// Only assembler ranks (bundle rank 0) participate; their frame-group
// communicator spans exactly one rank per device group, with the
// world root at frame rank 0.
func gatherBundles(ctx context.Context, topo *specslice.Topology, bundles []*specslice.BundleResult) ([]*specslice.BundleResult, error) {
	if !topo.Assembler() {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(bundles); err != nil {
		return nil, err
	}
	bufs, err := topo.FrameComm.Gather(ctx, buf.Bytes(), 0)
	if err != nil {
		return nil, err
	}
	if topo.FrameComm.Rank() != 0 {
		return nil, nil
	}
	var all []*specslice.BundleResult
	for _, b := range bufs {
		var rb []*specslice.BundleResult
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rb); err != nil {
			return nil, err
		}
		all = append(all, rb...)
	}
	return all, nil
}

// stackBundles stacks bundle results into frame-wide arrays, in
// ascending starting-spectrum order, then applies the final unit
// conversion from photons per bin to photons per wavelength unit.
func stackBundles(bundles []*specslice.BundleResult, wave []float64, params Params, ndiag int, meta map[string]string) *specslice.FrameResult {
	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].Bspecmin < bundles[j].Bspecmin
	})
	nwave := len(wave)
	frame := &specslice.FrameResult{
		Wave:   append([]float64(nil), wave...),
		Flux:   mat.NewDense(params.Nspec, nwave, nil),
		Ivar:   mat.NewDense(params.Nspec, nwave, nil),
		Rdiags: specslice.MakeCube(params.Nspec, 2*ndiag+1, nwave),
		Meta:   meta,
	}
	for _, b := range bundles {
		off := b.Bspecmin - params.Specmin
		rows, _ := b.Flux.Dims()
		// The final bundle is always extracted at full width; when
		// nspec is not a multiple of the bundle size, its trailing
		// spectra fall outside the requested range and are dropped.
		if rows > params.Nspec-off {
			rows = params.Nspec - off
		}
		frame.Flux.Slice(off, off+rows, 0, nwave).(*mat.Dense).Copy(b.Flux.Slice(0, rows, 0, nwave))
		frame.Ivar.Slice(off, off+rows, 0, nwave).(*mat.Dense).Copy(b.Ivar.Slice(0, rows, 0, nwave))
		for i := 0; i < rows; i++ {
			for j := 0; j < 2*ndiag+1; j++ {
				copy(frame.Rdiags.Band(off+i, j), b.Rdiags.Band(i, j))
			}
		}
	}
	specslice.ConvertUnits(frame.Flux, frame.Ivar, wave)
	frame.Mask = MaskPixels(frame.Ivar)
	frame.Chi2pix = Chi2Pix(params.Nspec, nwave)
	return frame
}

func snapshot(m *stats.Map) stats.Values {
	vals := make(stats.Values)
	m.AddAll(vals)
	return vals
}

// Run performs a single-process, host-backend extraction.
func Run(ctx context.Context, img *Image, psf *PSF, params Params) (*specslice.FrameResult, error) {
	params.Devices = 0
	topo, err := specslice.Derive(ctx, comm.Single(), 1)
	if err != nil {
		return nil, err
	}
	eng, err := GetEngine(params.Engine)
	if err != nil {
		return nil, err
	}
	return Frame(ctx, img, psf, params, topo, eng, Host())
}

// RunGroup performs an n-rank extraction hosted in one process, one
// goroutine per rank, on the host backend. The image and PSF are
// supplied to rank 0 only and broadcast from there, exactly as in a
// multi-process run.
func RunGroup(ctx context.Context, img *Image, psf *PSF, params Params, n int) (*specslice.FrameResult, error) {
	comms := comm.NewGroup(n)
	g, ctx := errgroup.WithContext(ctx)
	var frame *specslice.FrameResult
	for rank := 0; rank < n; rank++ {
		rank := rank
		g.Go(func() error {
			devices := params.Devices
			if devices < 1 {
				devices = 1
			}
			topo, err := specslice.Derive(ctx, comms[rank], devices)
			if err != nil {
				return err
			}
			eng, err := GetEngine(params.Engine)
			if err != nil {
				return err
			}
			var rimg *Image
			var rpsf *PSF
			if rank == 0 {
				rimg, rpsf = img, psf
			}
			f, err := Frame(ctx, rimg, rpsf, params, topo, eng, Host())
			if err != nil {
				return err
			}
			if rank == 0 {
				frame = f
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frame, nil
}
