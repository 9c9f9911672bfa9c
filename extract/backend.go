// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extract

import (
	"context"
	"runtime"

	"github.com/grailbio/base/limiter"
)

// A Backend is the compute substrate on which extraction kernels run.
// There are two variants, host and accelerator device; one is
// selected at startup and injected into the dispatcher, and the rest
// of the pipeline is backend-agnostic aside from the explicit
// host/device transfer points. Collective communication operates on
// host-resident memory only, so device results pass through ToHost
// before any inter-rank exchange.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// ToDevice moves a host-resident buffer to backend-resident
	// memory. The host backend returns the buffer unchanged.
	ToDevice(ctx context.Context, buf []float64) ([]float64, error)
	// ToHost copies a backend-resident buffer back to host memory,
	// synchronizing the device stream first so the data is complete.
	ToHost(ctx context.Context, buf []float64) ([]float64, error)
	// Acquire reserves a kernel-execution slot. Ranks sharing one
	// device serialize their kernel invocations through these slots.
	Acquire(ctx context.Context) (release func(), err error)
}

// Host returns the host (CPU) backend. Transfers are no-ops and
// kernel slots are bounded by GOMAXPROCS.
func Host() Backend {
	h := &hostBackend{limiter: limiter.New()}
	h.limiter.Release(runtime.GOMAXPROCS(0))
	return h
}

type hostBackend struct {
	limiter *limiter.Limiter
}

func (*hostBackend) Name() string { return "host" }

func (*hostBackend) ToDevice(ctx context.Context, buf []float64) ([]float64, error) {
	return buf, nil
}

func (*hostBackend) ToHost(ctx context.Context, buf []float64) ([]float64, error) {
	return buf, nil
}

func (h *hostBackend) Acquire(ctx context.Context) (func(), error) {
	if err := h.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { h.limiter.Release(1) }, nil
}

// A Driver is implemented by accelerator runtimes. It provides the
// raw transfer and synchronization operations from which the device
// backend is assembled. Drivers are external collaborators; this
// package supplies only the host backend.
type Driver interface {
	// ID returns the device ordinal.
	ID() int
	// Upload moves a host buffer into device memory.
	Upload(ctx context.Context, buf []float64) ([]float64, error)
	// Download copies a device buffer into fresh host memory.
	Download(ctx context.Context, buf []float64) ([]float64, error)
	// Synchronize blocks until all queued device work has completed.
	Synchronize(ctx context.Context) error
}

// NewDevice returns a backend for an accelerator device shared by the
// ranks of one bundle group. At most slots kernel invocations run
// concurrently on the device.
func NewDevice(driver Driver, slots int) Backend {
	if slots < 1 {
		slots = 1
	}
	d := &deviceBackend{driver: driver, limiter: limiter.New()}
	d.limiter.Release(slots)
	return d
}

type deviceBackend struct {
	driver  Driver
	limiter *limiter.Limiter
}

func (d *deviceBackend) Name() string {
	return "device" // one per device ordinal; see Driver.ID
}

func (d *deviceBackend) ToDevice(ctx context.Context, buf []float64) ([]float64, error) {
	return d.driver.Upload(ctx, buf)
}

func (d *deviceBackend) ToHost(ctx context.Context, buf []float64) ([]float64, error) {
	if err := d.driver.Synchronize(ctx); err != nil {
		return nil, err
	}
	return d.driver.Download(ctx, buf)
}

func (d *deviceBackend) Acquire(ctx context.Context) (func(), error) {
	if err := d.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { d.limiter.Release(1) }, nil
}
