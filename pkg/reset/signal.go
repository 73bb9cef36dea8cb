// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reset

import (
	"sync"
)

// edges orders signal changes against domain releases. Set takes it for
// writing while it stores a value; a release holds it for reading from its
// final readiness check until its observers have returned.
var edges sync.RWMutex

// Signal is a named readiness flag driven by some upstream component, for
// example a PLL lock output or a calibration status bit.
type Signal struct {
	name     string
	source   string
	required bool

	m        sync.Mutex
	value    bool
	watchers []func(bool)
}

// NewSignal declares a signal. Required signals gate the release of every
// domain that aggregates them.
func NewSignal(name, source string, required bool) *Signal {
	return &Signal{name: name, source: source, required: required}
}

func (s *Signal) Name() string {
	return s.name
}

func (s *Signal) Source() string {
	return s.source
}

func (s *Signal) Required() bool {
	return s.required
}

func (s *Signal) Value() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.value
}

// Set updates the value. Watchers run in the caller's goroutine, after the
// value is visible, and only when the value changed.
func (s *Signal) Set(v bool) {
	edges.Lock()
	w, changed := s.update(v)
	edges.Unlock()
	notify(w, changed, v)
}

// publish is Set for a caller that already holds edges for reading.
func (s *Signal) publish(v bool) {
	w, changed := s.update(v)
	notify(w, changed, v)
}

func (s *Signal) update(v bool) ([]func(bool), bool) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.value == v {
		return nil, false
	}
	s.value = v
	w := make([]func(bool), len(s.watchers))
	copy(w, s.watchers)
	return w, true
}

func notify(w []func(bool), changed bool, v bool) {
	if !changed {
		return
	}
	for _, f := range w {
		f(v)
	}
}

// Watch registers f to be called on every change of the value.
func (s *Signal) Watch(f func(bool)) {
	s.m.Lock()
	defer s.m.Unlock()
	s.watchers = append(s.watchers, f)
}
