// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"context"
	"time"

	"github.com/jmhodges/clock"
	"github.com/jpillora/backoff"
)

// Supervisor steps a board at a fixed period.
type Supervisor struct {
	b      *Board
	clk    clock.Clock
	period time.Duration
}

func NewSupervisor(b *Board, clk clock.Clock, period time.Duration) *Supervisor {
	if period <= 0 {
		period = time.Millisecond
	}
	return &Supervisor{b: b, clk: clk, period: period}
}

// Run steps the board until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Infow("Starting supervisor", "period", s.period.String())
	t := s.clk.NewTimer(s.period)
	defer t.Stop()
	for {
		// Step logs sampling failures itself.
		_ = s.b.Step()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			t.Reset(s.period)
		}
	}
}

// WaitActive blocks until the sys domain of the board is active.
func (s *Supervisor) WaitActive(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    s.period,
		Max:    64 * s.period,
		Factor: 2,
	}
	for !s.b.Active() {
		if b.Attempt() > 0 && int(b.Attempt())%8 == 0 {
			log.Infow("Waiting for sys domain", "missing", s.b.Missing())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(b.Duration()):
		}
	}
	return nil
}
