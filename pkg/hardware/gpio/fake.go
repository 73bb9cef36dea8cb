// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpio

import (
	"sync"
)

// FakeChip is an in-memory GPIO chip. Outputs can be wired to inputs to
// model board traces.
type FakeChip struct {
	p Platform

	lock   sync.Mutex
	v      map[uint32]bool
	subs   map[uint32][]chan bool
	wires  map[uint32][]uint32
	closed bool
}

type fakeLine struct {
	c     *FakeChip
	lines []uint32
}

type fakeEvent struct {
	c    *FakeChip
	line uint32
	ch   chan bool
}

func NewFakeChip(p Platform, startupState map[uint32]bool) *FakeChip {
	c := &FakeChip{
		p:     p,
		v:     make(map[uint32]bool),
		subs:  make(map[uint32][]chan bool),
		wires: make(map[uint32][]uint32),
	}
	for port, v := range startupState {
		c.v[port] = v
	}
	return c
}

// Connect makes every value driven on out appear on in as well.
func (c *FakeChip) Connect(out, in uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.wires[out] = append(c.wires[out], in)
	c.v[in] = c.v[out]
}

func (c *FakeChip) setLocked(port uint32, v bool) {
	old, ok := c.v[port]
	c.v[port] = v
	if !ok || old != v {
		for _, s := range c.subs[port] {
			select {
			case s <- v:
			default:
				pn, _ := c.p.GpioPortToName(port)
				log.Warnf("FakeGpio: dropped edge on %v", pn)
			}
		}
	}
	for _, in := range c.wires[port] {
		c.setLocked(in, v)
	}
}

// Set drives port from the test harness.
func (c *FakeChip) Set(port uint32, v bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	pn, _ := c.p.GpioPortToName(port)
	log.Debugf("FakeGpio: Test harness set port %v to %v", pn, v)
	c.setLocked(port, v)
}

func (c *FakeChip) Get(port uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.v[port]
}

// Close ends all event streams.
func (c *FakeChip) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, subs := range c.subs {
		for _, s := range subs {
			close(s)
		}
	}
	c.subs = nil
}

func (c *FakeChip) requestLineHandle(lines []uint32, out []bool) (lineImpl, error) {
	l := &fakeLine{c, append([]uint32(nil), lines...)}
	if out != nil {
		if err := l.setValues(out); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (c *FakeChip) getLineEvent(line uint32) (eventImpl, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	ch := make(chan bool, 16)
	if c.closed {
		close(ch)
	} else {
		c.subs[line] = append(c.subs[line], ch)
	}
	return &fakeEvent{c, line, ch}, nil
}

func (l *fakeLine) setValues(vals []bool) error {
	l.c.lock.Lock()
	defer l.c.lock.Unlock()
	for i, v := range vals {
		p := l.lines[i]
		pn, _ := l.c.p.GpioPortToName(p)
		log.Debugf("FakeGpio: System set port %v to %v", pn, v)
		l.c.setLocked(p, v)
	}
	return nil
}

func (l *fakeLine) getValues() ([]bool, error) {
	l.c.lock.Lock()
	defer l.c.lock.Unlock()
	r := make([]bool, len(l.lines))
	for i, p := range l.lines {
		r[i] = l.c.v[p]
	}
	return r, nil
}

func (e *fakeEvent) getValue() (bool, error) {
	e.c.lock.Lock()
	defer e.c.lock.Unlock()
	return e.c.v[e.line], nil
}

func (e *fakeEvent) read() (*int, error) {
	nv, ok := <-e.ch
	if !ok {
		return nil, nil
	}
	v := GPIO_EVENT_FALLING_EDGE
	if nv {
		v = GPIO_EVENT_RISING_EDGE
	}
	return &v, nil
}
