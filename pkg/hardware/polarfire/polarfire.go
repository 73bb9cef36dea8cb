// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package polarfire models the vendor blocks of the PolarFire fabric that
// the reset logic depends on: the on-die oscillator, the clock conditioning
// circuit and the initialization monitor. Only their ports are modelled,
// advanced one step at a time.
package polarfire

import (
	"sync"

	"github.com/u-root/avalanche/pkg/hwerr"
	"github.com/u-root/avalanche/pkg/logger"
)

var log = logger.LogContainer.GetSimpleLogger()

// Port names as they appear on the vendor blocks.
const (
	RCOSC_160MHZ_GL     = "RCOSC_160MHZ_GL"
	PLL_LOCK_0          = "PLL_LOCK_0"
	DEVICE_INIT_DONE    = "DEVICE_INIT_DONE"
	BANK_0_CALIB_STATUS = "BANK_0_CALIB_STATUS"
	BANK_1_CALIB_STATUS = "BANK_1_CALIB_STATUS"
	FABRIC_POR_N        = "FABRIC_POR_N"
	AUTOCALIB_DONE      = "AUTOCALIB_DONE"
)

// Osc is the 160 MHz RC oscillator feeding the CCC reference clock.
type Osc struct {
	m       sync.Mutex
	running bool
}

func NewOsc() *Osc {
	return &Osc{running: true}
}

func (o *Osc) Running() bool {
	o.m.Lock()
	defer o.m.Unlock()
	return o.running
}

func (o *Osc) SetRunning(r bool) {
	o.m.Lock()
	defer o.m.Unlock()
	o.running = r
}

// CCC is the clock conditioning circuit. PLL_LOCK_0 rises after the
// reference clock has been running for LockSteps steps and falls as soon as
// the reference stops.
type CCC struct {
	ref       *Osc
	lockSteps int

	m      sync.Mutex
	count  int
	locked bool
}

func NewCCC(ref *Osc, lockSteps int) (*CCC, error) {
	if ref == nil {
		return nil, hwerr.Configf("ccc", "no reference clock")
	}
	if lockSteps < 0 {
		return nil, hwerr.Configf("ccc", "negative lock time %d", lockSteps)
	}
	return &CCC{ref: ref, lockSteps: lockSteps}, nil
}

func (c *CCC) Step() {
	c.m.Lock()
	defer c.m.Unlock()
	if !c.ref.Running() {
		if c.locked {
			log.Warnw("PLL lost lock", "reason", "reference clock stopped")
		}
		c.count = 0
		c.locked = false
		return
	}
	if c.locked {
		return
	}
	c.count++
	if c.count >= c.lockSteps {
		c.locked = true
		log.Infow("PLL locked", "steps", c.count)
	}
}

func (c *CCC) Locked() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.locked
}

type MonitorConfig struct {
	InitSteps      int
	Bank0Steps     int
	Bank1Steps     int
	AutoCalibSteps int
}

// Monitor is the device initialization monitor. Each status output rises
// once its step count has elapsed since power-on or the last
// recalibration.
type Monitor struct {
	cfg MonitorConfig

	m     sync.Mutex
	steps int
	calib int
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.InitSteps < 0 || cfg.Bank0Steps < 0 || cfg.Bank1Steps < 0 || cfg.AutoCalibSteps < 0 {
		return nil, hwerr.Configf("monitor", "negative step count in %+v", cfg)
	}
	return &Monitor{cfg: cfg}, nil
}

func (m *Monitor) Step() {
	m.m.Lock()
	defer m.m.Unlock()
	m.steps++
	m.calib++
}

// Recalibrate restarts the I/O bank calibration, dropping both bank status
// outputs until it completes again.
func (m *Monitor) Recalibrate() {
	m.m.Lock()
	defer m.m.Unlock()
	log.Infow("Restarting I/O bank calibration")
	m.calib = 0
}

func (m *Monitor) Outputs() map[string]bool {
	m.m.Lock()
	defer m.m.Unlock()
	return map[string]bool{
		FABRIC_POR_N:        m.steps > 0,
		DEVICE_INIT_DONE:    m.steps >= m.cfg.InitSteps,
		BANK_0_CALIB_STATUS: m.calib >= m.cfg.Bank0Steps,
		BANK_1_CALIB_STATUS: m.calib >= m.cfg.Bank1Steps,
		AUTOCALIB_DONE:      m.calib >= m.cfg.AutoCalibSteps,
	}
}

type Config struct {
	LockSteps int
	Monitor   MonitorConfig
}

// Fabric groups the blocks the clock/reset generator listens to.
type Fabric struct {
	Osc     *Osc
	CCC     *CCC
	Monitor *Monitor
}

func NewFabric(cfg Config) (*Fabric, error) {
	osc := NewOsc()
	ccc, err := NewCCC(osc, cfg.LockSteps)
	if err != nil {
		return nil, err
	}
	mon, err := NewMonitor(cfg.Monitor)
	if err != nil {
		return nil, err
	}
	return &Fabric{Osc: osc, CCC: ccc, Monitor: mon}, nil
}

func (f *Fabric) Step() {
	f.Monitor.Step()
	f.CCC.Step()
}

// Sample returns the current value of every modelled output port.
func (f *Fabric) Sample() (map[string]bool, error) {
	r := f.Monitor.Outputs()
	r[RCOSC_160MHZ_GL] = f.Osc.Running()
	r[PLL_LOCK_0] = f.CCC.Locked()
	return r, nil
}
