// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/specslice/specslice"
	"github.com/specslice/specslice/extract"
	"github.com/specslice/specslice/extract/extracttest"
)

func TestMailbox(t *testing.T) {
	s := new(service)
	if err := s.Init(nil); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	payload := []byte("hello")
	if err := s.Deliver(ctx, newMessage(worldCommID, 1, 2, payload), &struct{}{}); err != nil {
		t.Fatal(err)
	}
	got, err := s.recv(ctx, worldCommID, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, payload)
	}
	// The payload was consumed; a duplicate delivery is accepted anew.
	if err := s.Deliver(ctx, newMessage(worldCommID, 1, 2, payload), &struct{}{}); err != nil {
		t.Fatal(err)
	}
	// But a second delivery of a pending key is refused.
	err = s.Deliver(ctx, newMessage(worldCommID, 1, 2, payload), &struct{}{})
	if err == nil {
		t.Fatal("expected error for duplicate delivery")
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMailboxIntegrity(t *testing.T) {
	s := new(service)
	if err := s.Init(nil); err != nil {
		t.Fatal(err)
	}
	m := newMessage(worldCommID, 1, 0, []byte("payload"))
	m.Payload[0] ^= 0xff
	err := s.Deliver(context.Background(), m, &struct{}{})
	if err == nil {
		t.Fatal("expected error for corrupted payload")
	}
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestRunTestsystem runs a two-rank extraction on an in-process
// bigmachine and checks the frame against a single-process run of the
// same inputs.
func TestRunTestsystem(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}
	ctx := context.Background()
	img, psf := extracttest.Image(16, 16), extracttest.PSF(3500, 4500, 2)
	params := extract.Params{
		Specmin:     0,
		Nspec:       4,
		Bundlesize:  2,
		Nsubbundles: 2,
		Nwavestep:   3,
		Wavepad:     2,
		Wavelength:  "4000,4009,1",
		Engine:      "test",
	}
	want, err := extract.Run(ctx, img, psf, params)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Run(ctx, testsystem.New(), 2, img, psf, params)
	if err != nil {
		t.Fatal(err)
	}
	framesEqual(t, got, want)
}

func framesEqual(t *testing.T, got, want *specslice.FrameResult) {
	t.Helper()
	if got == nil || want == nil {
		t.Fatalf("nil frame: got %v, want %v", got, want)
	}
	compare := func(name string, got, want []float64) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("%s: got %d elements, want %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: element %d: got %v, want %v", name, i, got[i], want[i])
			}
		}
	}
	compare("wave", got.Wave, want.Wave)
	compare("flux", specslice.RawData(got.Flux), specslice.RawData(want.Flux))
	compare("ivar", specslice.RawData(got.Ivar), specslice.RawData(want.Ivar))
	compare("rdiags", got.Rdiags.Data, want.Rdiags.Data)
	compare("chi2pix", specslice.RawData(got.Chi2pix), specslice.RawData(want.Chi2pix))
	for i := range want.Mask {
		if got.Mask[i] != want.Mask[i] {
			t.Fatalf("mask: element %d: got %v, want %v", i, got.Mask[i], want.Mask[i])
		}
	}
}
