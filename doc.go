// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package specslice implements divide-and-conquer extraction of
	one-dimensional calibrated spectra from two-dimensional detector
	images. The full image is far too large to invert as a single
	linear system, so the problem is tiled into small overlapping
	patches in (spectrum, wavelength) space. Each patch is solved
	independently by an extraction kernel; the padded edges of each
	patch are then discarded and the trimmed results are scattered
	back into bundle- and frame-level arrays.

	Package specslice contains the core geometry and reassembly
	machinery: patch descriptors, bundle tiling, result containers,
	bundle assembly, rank/device topology, and the variable-count
	gather used to move patch results between ranks. The extraction
	pipeline itself lives in package extract; collective
	communication in package comm; multi-process execution over
	bigmachine in package cluster.

	The same tiling executes under three orthogonal scaling axes: a
	single process, multiple message-passing ranks, and multiple
	accelerator devices (with ranks possibly sharing a device).
	Patch boundaries, overlap discard, and ordering are arranged so
	that the assembled frame is bit-identical regardless of how many
	ranks or devices participate.
*/
package specslice
