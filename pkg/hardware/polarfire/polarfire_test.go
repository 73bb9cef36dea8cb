// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package polarfire

import (
	"errors"
	"testing"

	"github.com/u-root/avalanche/pkg/hwerr"
)

func TestCCCLock(t *testing.T) {
	osc := NewOsc()
	c, err := NewCCC(osc, 3)
	if err != nil {
		t.Fatalf("NewCCC: %v", err)
	}
	for i := 0; i < 2; i++ {
		c.Step()
		if c.Locked() {
			t.Fatalf("Locked after %d steps, expected 3", i+1)
		}
	}
	c.Step()
	if !c.Locked() {
		t.Fatalf("Expected lock after 3 steps")
	}
	osc.SetRunning(false)
	c.Step()
	if c.Locked() {
		t.Errorf("Lock held without reference clock")
	}
	osc.SetRunning(true)
	c.Step()
	if c.Locked() {
		t.Errorf("Relocked without waiting for lock time")
	}
}

func TestMonitorOutputs(t *testing.T) {
	m, err := NewMonitor(MonitorConfig{InitSteps: 2, Bank0Steps: 3, Bank1Steps: 4, AutoCalibSteps: 1})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	if o := m.Outputs(); o[FABRIC_POR_N] || o[DEVICE_INIT_DONE] {
		t.Errorf("Outputs high before power-on: %v", o)
	}
	for i := 0; i < 4; i++ {
		m.Step()
	}
	o := m.Outputs()
	for _, p := range []string{FABRIC_POR_N, DEVICE_INIT_DONE, BANK_0_CALIB_STATUS, BANK_1_CALIB_STATUS, AUTOCALIB_DONE} {
		if !o[p] {
			t.Errorf("Expected %s high after 4 steps", p)
		}
	}

	m.Recalibrate()
	m.Step()
	o = m.Outputs()
	if !o[DEVICE_INIT_DONE] || o[BANK_0_CALIB_STATUS] || o[BANK_1_CALIB_STATUS] {
		t.Errorf("Unexpected outputs during recalibration: %v", o)
	}
}

func TestFabricSample(t *testing.T) {
	f, err := NewFabric(Config{LockSteps: 1, Monitor: MonitorConfig{InitSteps: 1, Bank0Steps: 1, Bank1Steps: 1}})
	if err != nil {
		t.Fatalf("NewFabric: %v", err)
	}
	f.Step()
	s, err := f.Sample()
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	for _, p := range []string{RCOSC_160MHZ_GL, PLL_LOCK_0, DEVICE_INIT_DONE, BANK_0_CALIB_STATUS, BANK_1_CALIB_STATUS} {
		if !s[p] {
			t.Errorf("Expected %s high, got %v", p, s)
		}
	}
}

func TestConfiguration(t *testing.T) {
	if _, err := NewCCC(nil, 1); !errors.Is(err, hwerr.ErrConfiguration) {
		t.Errorf("Expected configuration error without reference, got %v", err)
	}
	if _, err := NewFabric(Config{LockSteps: -1}); !errors.Is(err, hwerr.ErrConfiguration) {
		t.Errorf("Expected configuration error for negative lock time, got %v", err)
	}
	if _, err := NewMonitor(MonitorConfig{Bank1Steps: -2}); !errors.Is(err, hwerr.ErrConfiguration) {
		t.Errorf("Expected configuration error for negative calibration time, got %v", err)
	}
}
