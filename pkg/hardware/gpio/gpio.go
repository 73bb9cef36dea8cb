// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gpio drives the board GPIO lines: readiness inputs, the reset
// line and the status LEDs.
package gpio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/metric"
)

var log = logger.LogContainer.GetSimpleLogger()

const (
	GPIO_INVERTED = 0x1

	GPIO_EVENT_UNKNOWN      = 0
	GPIO_EVENT_RISING_EDGE  = 1
	GPIO_EVENT_FALLING_EDGE = 2

	// maxLines is the kernel limit of lines per handle.
	maxLines = 64
)

type Platform interface {
	GpioNameToPort(string) (uint32, bool)
	GpioPortToName(uint32) (string, bool)
}

type lineImpl interface {
	setValues(out []bool) error
	getValues() ([]bool, error)
}

type eventImpl interface {
	read() (*int, error)
	getValue() (bool, error)
}

type impl interface {
	// requestLineHandle requests outputs when out is given and inputs
	// otherwise.
	requestLineHandle(lines []uint32, out []bool) (lineImpl, error)
	getLineEvent(line uint32) (eventImpl, error)
}

type System struct {
	p      Platform
	impl   impl
	button map[string]chan chan bool
	m      sync.RWMutex
	levels map[string]bool
}

// Callback is called with the initial level of a monitored line and then
// on every edge.
type Callback func(line string, value bool)

func NewSystem(p Platform, impl impl) *System {
	return &System{
		p:      p,
		impl:   impl,
		button: map[string]chan chan bool{},
		levels: map[string]bool{},
	}
}

func (g *System) resolve(lines []string) ([]uint32, error) {
	if len(lines) > maxLines {
		return nil, fmt.Errorf("too many GPIO lines in one request: %d > %d", len(lines), maxLines)
	}
	ports := make([]uint32, len(lines))
	for i, l := range lines {
		p, ok := g.p.GpioNameToPort(l)
		if !ok {
			return nil, fmt.Errorf("could not resolve GPIO %s", l)
		}
		ports[i] = p
	}
	return ports, nil
}

// Level returns the last level seen by a monitor of line.
func (g *System) Level(line string) (bool, bool) {
	g.m.RLock()
	defer g.m.RUnlock()
	v, ok := g.levels[line]
	return v, ok
}

func (g *System) setLevel(line string, v bool) {
	g.m.Lock()
	defer g.m.Unlock()
	g.levels[line] = v
}

func (g *System) monitorOne(line string, port uint32, e eventImpl, cb Callback) error {
	d, err := e.getValue()
	if err != nil {
		return err
	}
	log.Infof("Monitoring GPIO line %-30s [initial value %v]", line, d)
	g.setLevel(line, d)
	metric.Gauge(metric.MetricOpts{
		Namespace: "avalanche",
		Subsystem: "gpio",
		Name:      "line",
	}, []string{metric.Label("line", line)}, func() float64 {
		if v, _ := g.Level(line); v {
			return 1
		}
		return 0
	})
	cb(line, d)

	for {
		ev, err := e.read()
		if ev == nil && err != nil {
			return err
		}
		if ev == nil {
			break
		}

		var v bool
		switch *ev {
		case GPIO_EVENT_FALLING_EDGE:
			v = false
		case GPIO_EVENT_RISING_EDGE:
			v = true
		default:
			log.Errorf("Received unknown event on GPIO line %s: %v", line, *ev)
			continue
		}
		g.setLevel(line, v)
		cb(line, v)
	}
	log.Infof("Monitoring stopped for GPIO line %s", line)
	return nil
}

// Monitor watches every line for edges. Event handles are requested before
// Monitor returns, so no edge after that is missed.
func (g *System) Monitor(lines map[string]Callback) error {
	log.Infof("Setting up %v GPIO monitors", len(lines))
	names := make([]string, 0, len(lines))
	for l := range lines {
		names = append(names, l)
	}
	sort.Strings(names)
	ports, err := g.resolve(names)
	if err != nil {
		return err
	}
	for i, line := range names {
		e, err := g.impl.getLineEvent(ports[i])
		if err != nil {
			return fmt.Errorf("GPIO %s: %v", line, err)
		}
		go func(l string, p uint32, e eventImpl, cb Callback) {
			if err := g.monitorOne(l, p, e, cb); err != nil {
				log.Errorf("Monitor %s failed: %v", l, err)
			}
		}(line, ports[i], e, lines[line])
	}
	return nil
}

// LogLine is a Callback that only logs edges.
func LogLine(line string, v bool) {
	log.Infof("%s: %v", line, v)
}

// Outputs is a set of lines driven by this process.
type Outputs struct {
	m     sync.Mutex
	index map[string]int
	vals  []bool
	l     lineImpl
}

// Hog takes ownership of lines as outputs with the given initial values.
func (g *System) Hog(lines map[string]bool) (*Outputs, error) {
	names := make([]string, 0, len(lines))
	for l := range lines {
		names = append(names, l)
	}
	sort.Strings(names)
	ports, err := g.resolve(names)
	if err != nil {
		return nil, err
	}
	o := &Outputs{index: map[string]int{}, vals: make([]bool, len(names))}
	for i, l := range names {
		o.index[l] = i
		o.vals[i] = lines[l]
		log.Infof("Hogging GPIO line %-30s = %v", l, lines[l])
	}
	o.l, err = g.impl.requestLineHandle(ports, o.vals)
	if err != nil {
		return nil, fmt.Errorf("hog failed: %v", err)
	}
	return o, nil
}

func (o *Outputs) Set(line string, v bool) error {
	o.m.Lock()
	defer o.m.Unlock()
	i, ok := o.index[line]
	if !ok {
		return fmt.Errorf("GPIO %s is not hogged", line)
	}
	if o.vals[i] == v {
		return nil
	}
	o.vals[i] = v
	return o.l.setValues(o.vals)
}

func (o *Outputs) Get(line string) (bool, bool) {
	o.m.Lock()
	defer o.m.Unlock()
	i, ok := o.index[line]
	if !ok {
		return false, false
	}
	return o.vals[i], true
}

// Sampler reads a fixed set of input lines at once.
type Sampler struct {
	names []string
	l     lineImpl
}

func (g *System) Sampler(lines []string) (*Sampler, error) {
	ports, err := g.resolve(lines)
	if err != nil {
		return nil, err
	}
	l, err := g.impl.requestLineHandle(ports, nil)
	if err != nil {
		return nil, fmt.Errorf("sampler: %v", err)
	}
	return &Sampler{names: append([]string(nil), lines...), l: l}, nil
}

func (s *Sampler) Sample() (map[string]bool, error) {
	vals, err := s.l.getValues()
	if err != nil {
		return nil, err
	}
	r := make(map[string]bool, len(s.names))
	for i, n := range s.names {
		r[n] = vals[i]
	}
	return r, nil
}

func (g *System) Button(name string) chan chan bool {
	g.m.Lock()
	defer g.m.Unlock()
	_, found := g.button[name]
	if !found {
		g.button[name] = make(chan chan bool)
	}
	return g.button[name]
}

// PressButton queues a press of dur behind any press in progress. The
// returned channel receives once the button has been released.
func (g *System) PressButton(ctx context.Context, name string, dur time.Duration) (chan bool, error) {
	if dur > 10*time.Second {
		return nil, fmt.Errorf("maximum allowed depress duration is 10 seconds")
	}
	g.m.RLock()
	c, ok := g.button[name]
	g.m.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown button %v", name)
	}

	cc := make(chan bool, 1)
	pushc := make(chan bool)
	// Queue the push behind any other push currently in action
	select {
	case c <- pushc:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	go func() {
		// Ensure the push has not been cancelled before starting
		if ctx.Err() != nil {
			close(pushc)
			return
		}
		// Commit to the push, and signal completion best-effort
		// as the caller might have gone away by the time the push is done
		pushc <- true
		time.Sleep(dur)
		pushc <- false
		close(pushc)
		select {
		case cc <- true:
		default:
		}
	}()
	return cc, nil
}

// ManageButton drives line from presses queued on the named button until
// ctx is done. The line rests released.
func (g *System) ManageButton(ctx context.Context, line string, name string, flags int) error {
	ports, err := g.resolve([]string{line})
	if err != nil {
		return err
	}
	rest := flags&GPIO_INVERTED != 0
	l, err := g.impl.requestLineHandle(ports, []bool{rest})
	if err != nil {
		return fmt.Errorf("ManageButton %s failed: %v", line, err)
	}
	c := g.Button(name)
	log.Infof("Initialized button %s on %s", name, line)

	for {
		var pushc chan bool
		select {
		case pushc = <-c:
		case <-ctx.Done():
			return ctx.Err()
		}

		for p := range pushc {
			if p {
				log.Infof("Pressing button %s", name)
			} else {
				log.Infof("Releasing button %s", name)
			}
			if flags&GPIO_INVERTED != 0 {
				p = !p
			}
			if err := l.setValues([]bool{p}); err != nil {
				log.Error(err)
			}
		}
	}
}
