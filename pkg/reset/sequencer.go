// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reset

import (
	"fmt"
	"strings"
	"sync"

	"github.com/u-root/avalanche/pkg/hwerr"
	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/metric"
)

var log = logger.LogContainer.GetSimpleLogger()

type DomainState int

const (
	Held DomainState = iota
	Releasing
	Active
)

func (s DomainState) String() string {
	switch s {
	case Held:
		return "HELD"
	case Releasing:
		return "RELEASING"
	case Active:
		return "ACTIVE"
	}
	return fmt.Sprintf("DomainState(%d)", int(s))
}

// Options tune the release sequence. Zero values mean one step.
type Options struct {
	// StableSteps is how many consecutive steps readiness and lock must
	// both hold before the domain starts releasing.
	StableSteps int
	// SyncSteps is the synchronizer depth spent in Releasing.
	SyncSteps int
}

type Transition struct {
	Domain string
	From   DomainState
	To     DomainState
	Step   uint64
	Reason string
}

// Sequencer keeps a dependent domain in reset until its readiness
// aggregate and its lock input are both true. Reset assertion is
// asynchronous and always wins; release goes through Releasing and is
// only ever taken on a Step.
type Sequencer struct {
	name string
	agg  *Aggregator
	lock *Signal
	opts Options

	// op serializes Step, assertions and the publication of transitions.
	op        sync.Mutex
	stable    int
	synced    int
	step      uint64
	observers []func(Transition)

	m     sync.RWMutex
	state DomainState

	active *Signal
}

func NewSequencer(name string, agg *Aggregator, lock *Signal, opts Options) (*Sequencer, error) {
	if agg == nil {
		return nil, hwerr.Configf(name, "no readiness aggregator")
	}
	if lock == nil {
		return nil, hwerr.Configf(name, "no lock signal")
	}
	if opts.StableSteps < 0 || opts.SyncSteps < 0 {
		return nil, hwerr.Configf(name, "negative step count in %+v", opts)
	}
	if opts.StableSteps == 0 {
		opts.StableSteps = 1
	}
	if opts.SyncSteps == 0 {
		opts.SyncSteps = 1
	}
	s := &Sequencer{
		name:   name,
		agg:    agg,
		lock:   lock,
		opts:   opts,
		state:  Held,
		active: NewSignal(name+"_ACTIVE", name, true),
	}
	agg.Watch(func(sig *Signal, v bool) {
		if !v {
			s.assert(sig.Name() + " deasserted")
		}
	})
	lock.Watch(func(v bool) {
		if !v {
			s.assert(lock.Name() + " lost")
		}
	})

	metric.Gauge(metric.MetricOpts{
		Namespace: "avalanche",
		Subsystem: "reset",
		Name:      "domain_state",
	}, []string{metric.Label("domain", name)}, func() float64 {
		return float64(s.State())
	})
	return s, nil
}

func (s *Sequencer) Name() string {
	return s.name
}

func (s *Sequencer) State() DomainState {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.state
}

// Held reports whether the domain is kept in reset, which is the case in
// both Held and Releasing.
func (s *Sequencer) Held() bool {
	return s.State() != Active
}

// Active returns a signal that is true exactly while the domain is Active.
// Use it as a required input of a downstream domain to chain them.
func (s *Sequencer) Active() *Signal {
	return s.active
}

func (s *Sequencer) Aggregator() *Aggregator {
	return s.agg
}

func (s *Sequencer) Lock() *Signal {
	return s.lock
}

// OnTransition registers f to be called after every state change.
func (s *Sequencer) OnTransition(f func(Transition)) {
	s.op.Lock()
	defer s.op.Unlock()
	s.observers = append(s.observers, f)
}

// Step evaluates one time step and returns the resulting state.
func (s *Sequencer) Step() DomainState {
	s.op.Lock()
	defer s.op.Unlock()
	s.step++

	ready := s.ready()
	switch s.State() {
	case Held:
		if !ready {
			s.stable = 0
			break
		}
		s.stable++
		if s.stable >= s.opts.StableSteps {
			s.enter(Releasing, "inputs ready")
		}
	case Releasing:
		if !ready {
			s.enter(Held, s.reasonLocked())
			break
		}
		s.synced++
		if s.synced >= s.opts.SyncSteps {
			s.release()
		}
	case Active:
		if !ready {
			s.enter(Held, s.reasonLocked())
		}
	}
	return s.State()
}

func (s *Sequencer) ready() bool {
	return s.agg.IsReady() && s.lock.Value()
}

// release enters Active unless an input fell since Step sampled it. Inputs
// cannot fall again until the transition has been published.
func (s *Sequencer) release() {
	edges.RLock()
	if !s.ready() {
		edges.RUnlock()
		s.enter(Held, s.reasonLocked())
		return
	}
	defer edges.RUnlock()
	s.enter(Active, "synchronized")
}

// ForceReset asserts reset from software. The domain then goes through the
// normal release sequence again.
func (s *Sequencer) ForceReset() {
	s.assert("software reset")
}

func (s *Sequencer) assert(reason string) {
	s.op.Lock()
	defer s.op.Unlock()
	s.stable = 0
	if s.State() == Held {
		return
	}
	s.enter(Held, reason)
}

func (s *Sequencer) reasonLocked() string {
	var missing []string
	missing = append(missing, s.agg.Missing()...)
	if !s.lock.Value() {
		missing = append(missing, s.lock.Name())
	}
	return "waiting for " + strings.Join(missing, ", ")
}

// enter must be called with op held, and for Active with edges held for
// reading. Observers of a release must not set signals.
func (s *Sequencer) enter(to DomainState, reason string) {
	s.m.Lock()
	from := s.state
	s.state = to
	s.m.Unlock()

	s.stable = 0
	s.synced = 0
	tr := Transition{Domain: s.name, From: from, To: to, Step: s.step, Reason: reason}

	switch {
	case to == Active:
		log.Infow("Domain released", "domain", s.name, "step", s.step)
	case to == Held && from == Active:
		log.Warnw("Domain reset asserted", "domain", s.name, "step", s.step, "reason", reason)
	default:
		log.Debugw("Domain transition", "domain", s.name, "from", from.String(), "to", to.String(), "reason", reason)
	}
	metric.Counter(metric.MetricOpts{
		Namespace: "avalanche",
		Subsystem: "reset",
		Name:      "transitions_total",
	}, []string{metric.Label("domain", s.name), metric.Label("to", to.String())}).Inc()

	if to == Active {
		s.active.publish(true)
	} else {
		s.active.Set(false)
	}
	for _, f := range s.observers {
		f(tr)
	}
}
