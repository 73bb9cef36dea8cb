// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reset

import (
	"sort"

	"github.com/u-root/avalanche/pkg/hwerr"
)

// Aggregator combines readiness signals into a single hold/release
// decision.
type Aggregator struct {
	name     string
	signals  []*Signal
	required []*Signal
}

// NewAggregator fails with a configuration error when no required signal
// is given or when two signals share a name.
func NewAggregator(name string, signals ...*Signal) (*Aggregator, error) {
	a := &Aggregator{name: name}
	seen := map[string]bool{}
	for _, s := range signals {
		if s == nil {
			return nil, hwerr.Configf(name, "nil readiness signal")
		}
		if seen[s.Name()] {
			return nil, hwerr.Configf(name, "readiness signal %s declared twice", s.Name())
		}
		seen[s.Name()] = true
		a.signals = append(a.signals, s)
		if s.Required() {
			a.required = append(a.required, s)
		}
	}
	if len(a.required) == 0 {
		return nil, hwerr.Configf(name, "no required readiness signals")
	}
	return a, nil
}

func (a *Aggregator) Name() string {
	return a.name
}

// IsReady is the AND of all required signals at the time of the call.
func (a *Aggregator) IsReady() bool {
	for _, s := range a.required {
		if !s.Value() {
			return false
		}
	}
	return true
}

// Missing returns the sorted names of required signals that are false.
func (a *Aggregator) Missing() []string {
	var m []string
	for _, s := range a.required {
		if !s.Value() {
			m = append(m, s.Name())
		}
	}
	sort.Strings(m)
	return m
}

// Snapshot returns the value of every signal, required or not.
func (a *Aggregator) Snapshot() map[string]bool {
	r := make(map[string]bool, len(a.signals))
	for _, s := range a.signals {
		r[s.Name()] = s.Value()
	}
	return r
}

func (a *Aggregator) Signals() []*Signal {
	r := make([]*Signal, len(a.signals))
	copy(r, a.signals)
	return r
}

// Watch calls f whenever a required signal changes.
func (a *Aggregator) Watch(f func(s *Signal, v bool)) {
	for _, s := range a.required {
		s := s
		s.Watch(func(v bool) { f(s, v) })
	}
}
