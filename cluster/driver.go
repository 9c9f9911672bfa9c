// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/specslice/specslice"
	"github.com/specslice/specslice/extract"
	"golang.org/x/sync/errgroup"
)

// Run executes a frame extraction across p ranks on the provided
// bigmachine system, returning the assembled frame. The driver
// process does not itself hold a rank: it starts one machine per
// rank, hands world rank 0 the inputs, and collects the frame from
// rank 0's reply. Any rank failure aborts the whole run; no partial
// frame is produced.
func Run(ctx context.Context, system bigmachine.System, p int, img *extract.Image, psf *extract.PSF, params extract.Params) (*specslice.FrameResult, error) {
	b := bigmachine.Start(system)
	defer b.Shutdown()
	return run(ctx, b, p, img, psf, params)
}

func run(ctx context.Context, b *bigmachine.B, p int, img *extract.Image, psf *extract.PSF, params extract.Params) (*specslice.FrameResult, error) {
	if p < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cluster: %d ranks", p))
	}
	machines, err := b.Start(ctx, p, bigmachine.Services{"Rank": &service{}})
	if err != nil {
		return nil, err
	}
	if len(machines) < p {
		return nil, errors.E(errors.Unavailable,
			fmt.Sprintf("cluster: started %d of %d machines", len(machines), p))
	}
	addrs := make([]string, p)
	for i, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			return nil, errors.E(errors.Unavailable,
				fmt.Sprintf("cluster: machine %s failed to start", m.Addr), err)
		}
		addrs[i] = m.Addr
		log.Debug.Printf("machine %s is ready (rank %d)", m.Addr, i)
	}
	g, gctx := errgroup.WithContext(ctx)
	var frame *specslice.FrameResult
	for i := range machines {
		i := i
		g.Go(func() error {
			req := RunRequest{Rank: i, Addrs: addrs, Params: params}
			if i == 0 {
				req.Image = img
				req.PSF = psf
			}
			var reply RunReply
			if err := machines[i].Call(gctx, "Rank.Run", req, &reply); err != nil {
				return err
			}
			log.Debug.Printf("rank %d: %s", i, reply.Stats)
			if i == 0 {
				frame = reply.Frame
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frame, nil
}
