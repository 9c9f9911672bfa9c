// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package specslice

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/specslice/specslice/comm"
)

// A Topology maps the flat world group of ranks onto accelerator
// devices and the two nested decomposition levels: a frame group that
// divides the bundles of a frame among device groups, and a bundle
// group per device that divides the patches of one bundle among the
// ranks sharing that device. There is no hidden process-global state;
// every component receives its topology as a parameter.
type Topology struct {
	// World is the communicator over all ranks.
	World comm.Comm
	// Devices is the number of accelerator devices (1 when running on
	// the host only).
	Devices int
	// ProcsPerDevice is World.Size() / Devices.
	ProcsPerDevice int
	// Device is the device-group index owning this rank. Ranks are
	// partitioned into contiguous blocks of ProcsPerDevice.
	Device int
	// BundleComm groups the ranks sharing this rank's device. It
	// coordinates patch-level gathers within a bundle. For a
	// single-process run it is the (trivial) world group.
	BundleComm comm.Comm
	// FrameComm groups one rank per device group, the ones at the
	// same intra-device-group offset. Only the communicator of the
	// assembler ranks (bundle rank 0) is ever used; it coordinates
	// bundle-level gathers across devices.
	FrameComm comm.Comm
}

// Derive computes the rank/device topology for the given world group.
// The world size must be divisible by the device count; anything else
// is a configuration error, surfaced before any extraction begins.
// devices < 1 is treated as 1 (no accelerator).
func Derive(ctx context.Context, world comm.Comm, devices int) (*Topology, error) {
	if devices < 1 {
		devices = 1
	}
	size := world.Size()
	if size%devices != 0 {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("topology: %d ranks not divisible by %d devices", size, devices))
	}
	t := &Topology{
		World:          world,
		Devices:        devices,
		ProcsPerDevice: size / devices,
	}
	t.Device = world.Rank() / t.ProcsPerDevice
	var err error
	t.BundleComm, err = world.Split(ctx, t.Device, world.Rank())
	if err != nil {
		return nil, err
	}
	t.FrameComm, err = world.Split(ctx, t.BundleComm.Rank(), t.Device)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Bundles returns the starting spectrum indices of the bundles
// assigned to this rank's device group: bundles are listed in
// ascending starting-spectrum order and dealt round-robin across
// device groups with stride Devices.
func (t *Topology) Bundles(specmin, nspec, bundlesize int) []int {
	var mine []int
	var i int
	for b := specmin; b < specmin+nspec; b += bundlesize {
		if i%t.Devices == t.Device {
			mine = append(mine, b)
		}
		i++
	}
	return mine
}

// Assembler reports whether this rank assembles its device group's
// bundles (bundle group rank 0).
func (t *Topology) Assembler() bool {
	return t.BundleComm.Rank() == 0
}

// Root reports whether this rank is the world root, the owner of the
// final frame result.
func (t *Topology) Root() bool {
	return t.World.Rank() == 0
}
