// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

// A message is one point-to-point payload between ranks. Comm and Seq
// identify the collective the payload belongs to: both sides derive
// them from the same SPMD call sequence, so a mismatch means the
// ranks have diverged.
type message struct {
	Comm uint64
	Seq  uint64
	From int
	// Sum is the murmur3 fingerprint of Payload, verified on receipt.
	Sum     uint32
	Payload []byte
}

func newMessage(commID, seq uint64, from int, payload []byte) message {
	return message{
		Comm:    commID,
		Seq:     seq,
		From:    from,
		Sum:     murmur3.Sum32(payload),
		Payload: payload,
	}
}

// floatsToBytes encodes float64 buffers for the wire, preserving
// exact bit patterns.
func floatsToBytes(f []float64) []byte {
	b := make([]byte, 8*len(f))
	for i, v := range f {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func bytesToFloats(b []byte) []float64 {
	f := make([]float64, len(b)/8)
	for i := range f {
		f[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return f
}
