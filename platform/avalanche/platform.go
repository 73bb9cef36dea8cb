// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package avalanche describes the GPIO lines of the Avalanche board.
package avalanche

import (
	"context"

	"github.com/u-root/avalanche/pkg/board"
	"github.com/u-root/avalanche/pkg/hardware/gpio"
	"github.com/u-root/avalanche/pkg/logger"
)

var log = logger.LogContainer.GetSimpleLogger()

const (
	// ResetButton is the button name served over gRPC.
	ResetButton = "reset"
	RST_OUT_N   = "RST_OUT_N"
)

var (
	linePortMap = map[string]uint32{
		board.RST_N:     0,
		RST_OUT_N:       1,
		board.USER_LED0: 2,
		"USER_LED1":     3,
		board.USER_LED2: 4,
		"USER_LED3":     5,
		board.MUX_SEL0:  6,
		board.MUX_SEL1:  7,
		board.MUX_SEL2:  8,
	}
	portLineMap map[uint32]string
)

func init() {
	portLineMap = make(map[uint32]string)
	for k, v := range linePortMap {
		portLineMap[v] = k
	}
}

type Platform struct{}

func (Platform) GpioNameToPort(l string) (uint32, bool) {
	s, ok := linePortMap[l]
	return s, ok
}

func (Platform) GpioPortToName(i uint32) (string, bool) {
	s, ok := portLineMap[i]
	return s, ok
}

// Lines are the board facing GPIO handles.
type Lines struct {
	// Outputs drives the LEDs and the mux select lines.
	Outputs *gpio.Outputs
	// Reset samples the reset pin for the clock/reset generator.
	Reset *gpio.Sampler
}

// InitializeGpio claims the board lines. The reset button is served on
// RST_OUT_N until ctx is done.
func InitializeGpio(ctx context.Context, g *gpio.System) (*Lines, error) {
	out, err := g.Hog(map[string]bool{
		board.USER_LED0: false,
		"USER_LED1":     false,
		// Active low.
		board.USER_LED2: true,
		"USER_LED3":     false,
		board.MUX_SEL0:  false,
		board.MUX_SEL1:  false,
		board.MUX_SEL2:  false,
	})
	if err != nil {
		return nil, err
	}

	g.Button(ResetButton)
	go func() {
		if err := g.ManageButton(ctx, RST_OUT_N, ResetButton, gpio.GPIO_INVERTED); err != nil && ctx.Err() == nil {
			log.Errorf("Reset button: %v", err)
		}
	}()

	if err := g.Monitor(map[string]gpio.Callback{
		board.RST_N: gpio.LogLine,
	}); err != nil {
		return nil, err
	}
	rst, err := g.Sampler([]string{board.RST_N})
	if err != nil {
		return nil, err
	}
	return &Lines{Outputs: out, Reset: rst}, nil
}

// Simulated returns a GPIO system on an in-memory chip where RST_OUT_N is
// wired to RST_N, like the reset header on the board.
func Simulated() (*gpio.System, *gpio.FakeChip) {
	p := Platform{}
	rstN, _ := p.GpioNameToPort(board.RST_N)
	rstOutN, _ := p.GpioNameToPort(RST_OUT_N)
	f := gpio.NewFakeChip(p, map[uint32]bool{
		rstN:    true,
		rstOutN: true,
	})
	f.Connect(rstOutN, rstN)
	return gpio.NewSystem(p, f), f
}
