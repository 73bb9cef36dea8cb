// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dram models the DDR3 controller behind the AXI port: its reset
// input, its PLL lock and calibration outputs and the memory itself.
package dram

import (
	"errors"
	"fmt"
	"sync"

	"github.com/u-root/avalanche/pkg/fabric"
	"github.com/u-root/avalanche/pkg/hwerr"
	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/metric"
)

var log = logger.LogContainer.GetSimpleLogger()

// ErrNotReady is returned for bursts issued before calibration completed
// or interrupted by a reset.
var ErrNotReady = errors.New("DRAM controller not ready")

const pageSize = 4096

type Config struct {
	// LockSteps is the PLL lock time after SYS_RESET_N is released.
	LockSteps int
	// CalibSteps is the training time after the PLL has locked.
	CalibSteps int
	// Latency is the number of steps a burst takes. Zero completes bursts
	// while they are issued.
	Latency int
	// Reorder completes bursts that are due in the same step newest
	// first.
	Reorder bool
	// Width is the AXI data width in bytes.
	Width int
	Size  uint64
}

var DefaultConfig = Config{
	LockSteps:  4,
	CalibSteps: 8,
	Width:      8,
	Size:       0x10000000,
}

type inflight struct {
	b    fabric.Burst
	done func(fabric.BurstResult)
	due  uint64
}

type completion struct {
	done func(fabric.BurstResult)
	r    fabric.BurstResult
}

// Controller is a step driven DDR3 controller. It implements
// fabric.Backend.
type Controller struct {
	name string
	cfg  Config

	m        sync.Mutex
	resetN   bool
	count    int
	pllLock  bool
	ready    bool
	step     uint64
	pages    map[uint64]*[pageSize]byte
	inflight []*inflight
}

func New(name string, cfg Config) (*Controller, error) {
	if cfg.Width <= 0 || cfg.Width > 64 || cfg.Width&(cfg.Width-1) != 0 {
		return nil, hwerr.Configf(name, "data width %d", cfg.Width)
	}
	if cfg.Size == 0 || cfg.Size%uint64(cfg.Width) != 0 {
		return nil, hwerr.Configf(name, "size %#x", cfg.Size)
	}
	if cfg.LockSteps < 0 || cfg.CalibSteps < 0 || cfg.Latency < 0 {
		return nil, hwerr.Configf(name, "negative step count in %+v", cfg)
	}
	c := &Controller{
		name:  name,
		cfg:   cfg,
		pages: make(map[uint64]*[pageSize]byte),
	}
	metric.Gauge(metric.MetricOpts{
		Namespace: "avalanche",
		Subsystem: "dram",
		Name:      "ready",
	}, []string{metric.Label("controller", name)}, func() float64 {
		if c.CtrlrReady() {
			return 1
		}
		return 0
	})
	return c, nil
}

func (c *Controller) Name() string {
	return c.name
}

func (c *Controller) Size() uint64 {
	return c.cfg.Size
}

// SetReset drives SYS_RESET_N. Asserting reset drops lock and calibration
// and fails every burst still in flight. Memory contents are kept.
func (c *Controller) SetReset(resetN bool) {
	var failed []completion
	c.m.Lock()
	if c.resetN == resetN {
		c.m.Unlock()
		return
	}
	c.resetN = resetN
	if !resetN {
		if c.ready {
			log.Warnw("DRAM controller reset", "controller", c.name, "inflight", len(c.inflight))
		}
		c.count = 0
		c.pllLock = false
		c.ready = false
		for _, f := range c.inflight {
			failed = append(failed, completion{f.done, fabric.BurstResult{ID: f.b.ID, Err: fmt.Errorf("%s: %w: reset during burst", c.name, ErrNotReady)}})
		}
		c.inflight = nil
	}
	c.m.Unlock()
	for _, f := range failed {
		f.done(f.r)
	}
}

func (c *Controller) PLLLock() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.pllLock
}

func (c *Controller) CtrlrReady() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.ready
}

// Step advances lock and calibration and completes the bursts that are
// due.
func (c *Controller) Step() {
	var due []completion
	c.m.Lock()
	c.step++
	if c.resetN && !c.ready {
		c.count++
		if !c.pllLock && c.count >= c.cfg.LockSteps {
			c.pllLock = true
			c.count = 0
			log.Infow("DRAM PLL locked", "controller", c.name)
		}
		if c.pllLock && c.count >= c.cfg.CalibSteps {
			c.ready = true
			log.Infow("DRAM calibration done", "controller", c.name, "step", c.step)
		}
	}
	keep := c.inflight[:0]
	for _, f := range c.inflight {
		if f.due > c.step {
			keep = append(keep, f)
			continue
		}
		due = append(due, completion{f.done, c.execLocked(f.b)})
	}
	c.inflight = keep
	c.m.Unlock()

	if c.cfg.Reorder {
		for i, j := 0, len(due)-1; i < j; i, j = i+1, j-1 {
			due[i], due[j] = due[j], due[i]
		}
	}
	for _, d := range due {
		d.done(d.r)
	}
}

func (c *Controller) Issue(b fabric.Burst, done func(fabric.BurstResult)) error {
	n := uint64(b.Beats * c.cfg.Width)
	if b.Beats <= 0 || b.Addr%uint64(c.cfg.Width) != 0 {
		return fmt.Errorf("%s: malformed burst %d beats at %#x", c.name, b.Beats, b.Addr)
	}
	if err := hwerr.CheckRange(b.Addr, n, c.cfg.Size); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	if b.Op == fabric.OpWrite && (uint64(len(b.Data)) != n || len(b.Strobe) != b.Beats) {
		return fmt.Errorf("%s: write burst carries %d bytes and %d strobes for %d beats", c.name, len(b.Data), len(b.Strobe), b.Beats)
	}

	c.m.Lock()
	if !c.ready {
		c.m.Unlock()
		return fmt.Errorf("%s: %w", c.name, ErrNotReady)
	}
	metric.Counter(metric.MetricOpts{
		Namespace: "avalanche",
		Subsystem: "dram",
		Name:      "bursts_total",
	}, []string{metric.Label("controller", c.name), metric.Label("op", b.Op.String())}).Inc()
	if c.cfg.Latency == 0 {
		r := c.execLocked(b)
		c.m.Unlock()
		done(r)
		return nil
	}
	c.inflight = append(c.inflight, &inflight{b: b, done: done, due: c.step + uint64(c.cfg.Latency)})
	c.m.Unlock()
	return nil
}

func (c *Controller) page(addr uint64, create bool) *[pageSize]byte {
	p, ok := c.pages[addr/pageSize]
	if !ok && create {
		p = new([pageSize]byte)
		c.pages[addr/pageSize] = p
	}
	return p
}

func (c *Controller) execLocked(b fabric.Burst) fabric.BurstResult {
	w := c.cfg.Width
	r := fabric.BurstResult{ID: b.ID}
	if b.Op == fabric.OpRead {
		r.Data = make([]byte, b.Beats*w)
	}
	for i := 0; i < b.Beats*w; i++ {
		a := b.Addr + uint64(i)
		if b.Op == fabric.OpWrite {
			if b.Strobe[i/w]&(1<<uint(i%w)) == 0 {
				continue
			}
			c.page(a, true)[a%pageSize] = b.Data[i]
			continue
		}
		if p := c.page(a, false); p != nil {
			r.Data[i] = p[a%pageSize]
		}
	}
	return r
}
