// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"sort"

	"github.com/u-root/avalanche/pkg/hardware/polarfire"
	"github.com/u-root/avalanche/pkg/metric"
	"github.com/u-root/avalanche/pkg/reset"
)

// Inputs of the clock/reset generator that do not come from the
// PolarFire blocks.
const (
	RST_N        = "RST_N"
	CTRLR_READY  = "CTRLR_READY"
	DDR_PLL_LOCK = "DDR_PLL_LOCK"
)

type CRGConfig struct {
	CCC reset.Options
	Sys reset.Options
}

// CRG holds the two chained reset domains. The ccc domain waits for the
// reset pin, device initialization and the fabric PLL. The sys domain waits
// for the ccc domain and the DRAM controller.
type CRG struct {
	signals map[string]*reset.Signal
	CCC     *reset.Sequencer
	Sys     *reset.Sequencer
}

func NewCRG(cfg CRGConfig) (*CRG, error) {
	c := &CRG{signals: map[string]*reset.Signal{}}
	add := func(name, source string, required bool) *reset.Signal {
		s := reset.NewSignal(name, source, required)
		c.signals[name] = s
		return s
	}

	rst := add(RST_N, "board", true)
	// The reset pin rests high.
	rst.Set(true)
	cccAgg, err := reset.NewAggregator("ccc",
		rst,
		add(polarfire.DEVICE_INIT_DONE, "monitor", true),
		add(polarfire.BANK_0_CALIB_STATUS, "monitor", true),
		add(polarfire.BANK_1_CALIB_STATUS, "monitor", true),
		add(polarfire.FABRIC_POR_N, "monitor", false),
		add(polarfire.AUTOCALIB_DONE, "monitor", false),
	)
	if err != nil {
		return nil, err
	}
	c.CCC, err = reset.NewSequencer("ccc", cccAgg, add(polarfire.PLL_LOCK_0, "ccc", true), cfg.CCC)
	if err != nil {
		return nil, err
	}

	sysAgg, err := reset.NewAggregator("sys",
		add(CTRLR_READY, "ddr3", true),
		c.CCC.Active(),
	)
	if err != nil {
		return nil, err
	}
	c.Sys, err = reset.NewSequencer("sys", sysAgg, add(DDR_PLL_LOCK, "ddr3", true), cfg.Sys)
	if err != nil {
		return nil, err
	}

	for name, s := range c.signals {
		s := s
		metric.Gauge(metric.MetricOpts{
			Namespace: "avalanche",
			Subsystem: "reset",
			Name:      "signal",
		}, []string{metric.Label("signal", name)}, func() float64 {
			if s.Value() {
				return 1
			}
			return 0
		})
	}
	return c, nil
}

// Apply drives the named inputs. Names the CRG does not know are ignored.
func (c *CRG) Apply(values map[string]bool) {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	// Deterministic order keeps the transition log stable.
	sort.Strings(names)
	for _, n := range names {
		if s, ok := c.signals[n]; ok {
			s.Set(values[n])
		}
	}
}

func (c *CRG) Signal(name string) (*reset.Signal, bool) {
	s, ok := c.signals[name]
	return s, ok
}

// Snapshot returns the value of every input.
func (c *CRG) Snapshot() map[string]bool {
	r := make(map[string]bool, len(c.signals))
	for n, s := range c.signals {
		r[n] = s.Value()
	}
	return r
}

func (c *CRG) Step() {
	c.CCC.Step()
	c.Sys.Step()
}
