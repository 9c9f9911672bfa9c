// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Specslice extracts 1D spectra from a 2D detector image using a
// per-fiber PSF model. Inputs are gob-encoded image and PSF files
// readable from any grailfile URL (local paths or s3://); the
// assembled frame is archived the same way. The extraction can run
// in a single process, across in-process ranks, or across bigmachine
// machines.
//
// Usage:
//	specslice -image image.gob -psf psf.gob -engine myengine \
//		-wavelength 5760.0,7620.0,0.8 -nspec 500 -o frame
package main

import (
	"context"
	"encoding/gob"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/specslice/specslice"
	"github.com/specslice/specslice/cluster"
	"github.com/specslice/specslice/extract"
	"github.com/specslice/specslice/store"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	var (
		imagePath  = flag.String("image", "", "gob-encoded detector image")
		psfPath    = flag.String("psf", "", "gob-encoded PSF model")
		output     = flag.String("o", "frame", "archive name for the extracted frame")
		prefix     = flag.String("prefix", ".", "archive prefix (any grailfile URL)")
		wavelength = flag.String("wavelength", "", `wavelength range "wmin,wmax,dw" (default: PSF coverage at dw=0.8)`)
		specmin    = flag.Int("specmin", 0, "first spectrum to extract")
		nspec      = flag.Int("nspec", 500, "number of spectra to extract")
		bundlesize = flag.Int("bundlesize", 25, "spectra per bundle")
		nsubbundle = flag.Int("nsubbundles", 1, "spectrum blocks per bundle")
		nwavestep  = flag.Int("nwavestep", 50, "wavelength bins per patch")
		wavepad    = flag.Int("wavepad", 10, "wavelength bins of padding per patch end")
		engine     = flag.String("engine", "", "registered extraction engine")
		ranks      = flag.Int("ranks", 1, "number of ranks")
		devices    = flag.Int("devices", 0, "number of accelerator devices (0: host only)")
		inprocess  = flag.Bool("inprocess", false, "host multi-rank runs in this process")
		systemFlag = flag.String("system", "local", "bigmachine system for multi-process runs: local, ec2")
	)
	log.AddFlags()
	flag.Parse()
	must.True(*imagePath != "", "missing -image")
	must.True(*psfPath != "", "missing -psf")
	must.True(*engine != "", "missing -engine")

	ctx := context.Background()
	img := new(extract.Image)
	must.Nil(readGob(ctx, *imagePath, img), "reading image")
	psf := new(extract.PSF)
	must.Nil(readGob(ctx, *psfPath, psf), "reading psf")

	params := extract.Params{
		Specmin:     *specmin,
		Nspec:       *nspec,
		Bundlesize:  *bundlesize,
		Nsubbundles: *nsubbundle,
		Nwavestep:   *nwavestep,
		Wavepad:     *wavepad,
		Wavelength:  *wavelength,
		Engine:      *engine,
		Devices:     *devices,
	}

	var err error
	var frame *specslice.FrameResult
	switch {
	case *ranks <= 1:
		frame, err = extract.Run(ctx, img, psf, params)
	case *inprocess:
		frame, err = extract.RunGroup(ctx, img, psf, params, *ranks)
	default:
		var system bigmachine.System
		switch *systemFlag {
		case "local":
			system = bigmachine.Local
		case "ec2":
			system = &ec2system.System{}
		default:
			fmt.Fprintf(os.Stderr, "unknown system %s\n", *systemFlag)
			os.Exit(2)
		}
		frame, err = cluster.Run(ctx, system, *ranks, img, psf, params)
	}
	must.Nil(err, "extraction failed")
	must.True(frame != nil, "no frame produced")
	must.Nil(store.WriteFrame(ctx, store.File(*prefix), *output, frame), "archiving frame")
	log.Printf("archived frame %s under %s", *output, *prefix)
}

func readGob(ctx context.Context, path string, v interface{}) error {
	f, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close(ctx)
	return gob.NewDecoder(f.Reader(ctx)).Decode(v)
}
