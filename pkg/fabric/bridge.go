// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/u-root/avalanche/pkg/hwerr"
	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/metric"
	"golang.org/x/sync/semaphore"
)

var log = logger.LogContainer.GetSimpleLogger()

var (
	bridgeTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "bridge",
		Name:      "transactions_total",
		Help:      "Transactions retired by the bridge",
	}, []string{"bridge", "op"})
	bridgeBursts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "bridge",
		Name:      "bursts_total",
		Help:      "Bursts issued to the wide backend",
	}, []string{"bridge"})
	bridgeBusy = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "bridge",
		Name:      "busy_total",
		Help:      "Submissions rejected because no backend slots were free",
	}, []string{"bridge"})
	bridgeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "bridge",
		Name:      "errors_total",
		Help:      "Transactions retired with a backend error",
	}, []string{"bridge"})
)

func init() {
	prometheus.MustRegister(bridgeTransactions)
	prometheus.MustRegister(bridgeBursts)
	prometheus.MustRegister(bridgeBusy)
	prometheus.MustRegister(bridgeErrors)
}

// Config describes both sides of the bridge. Zero fields other than
// AddressSpace take the value from DefaultConfig.
type Config struct {
	// NarrowWidth is the size of a narrow word in bytes.
	NarrowWidth int
	// WideWidth is the size of a backend beat in bytes.
	WideWidth     int
	MaxBurstBeats int
	// BoundaryBytes is the alignment no burst may cross.
	BoundaryBytes int
	// MaxOutstanding is the number of bursts the backend accepts at once.
	MaxOutstanding int
	AddressSpace   uint64
}

var DefaultConfig = Config{
	NarrowWidth:    4,
	WideWidth:      8,
	MaxBurstBeats:  16,
	BoundaryBytes:  4096,
	MaxOutstanding: 4,
}

func isPow2(v int) bool {
	return v > 0 && v&(v-1) == 0
}

func (c Config) withDefaults() Config {
	if c.NarrowWidth == 0 {
		c.NarrowWidth = DefaultConfig.NarrowWidth
	}
	if c.WideWidth == 0 {
		c.WideWidth = DefaultConfig.WideWidth
	}
	if c.MaxBurstBeats == 0 {
		c.MaxBurstBeats = DefaultConfig.MaxBurstBeats
	}
	if c.BoundaryBytes == 0 {
		c.BoundaryBytes = DefaultConfig.BoundaryBytes
	}
	if c.MaxOutstanding == 0 {
		c.MaxOutstanding = DefaultConfig.MaxOutstanding
	}
	return c
}

func (c Config) validate(name string) error {
	switch {
	case c.NarrowWidth < 0:
		return hwerr.Configf(name, "narrow width %d", c.NarrowWidth)
	case !isPow2(c.WideWidth) || c.WideWidth > 64:
		return hwerr.Configf(name, "wide width %d is not a power of two up to 64", c.WideWidth)
	case c.MaxBurstBeats < 1 || c.MaxBurstBeats > 256:
		return hwerr.Configf(name, "burst length %d outside of 1..256", c.MaxBurstBeats)
	case !isPow2(c.BoundaryBytes) || c.BoundaryBytes < c.WideWidth:
		return hwerr.Configf(name, "burst boundary %d", c.BoundaryBytes)
	case c.MaxOutstanding < 1:
		return hwerr.Configf(name, "%d outstanding bursts", c.MaxOutstanding)
	case c.AddressSpace == 0:
		return hwerr.Configf(name, "empty address space")
	}
	return nil
}

type Stats struct {
	Submitted uint64
	Retired   uint64
	Busy      uint64
	Canceled  uint64
	Bursts    uint64
	// InFlight counts transactions that have not been retired yet.
	InFlight int
}

// Handle tracks one submitted transaction.
type Handle struct {
	txn       Transaction
	span      span
	bursts    []Burst
	completed []bool
	pending   int
	data      []byte
	start     time.Time

	err      error
	canceled bool
	retired  bool
	resp     Response
	done     chan struct{}
	b        *Bridge
}

func (h *Handle) ID() uint64 {
	return h.txn.ID
}

// Done is closed once the transaction is retired, which happens in
// submission order.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel discards the response. Issued bursts still run to completion and
// keep their backend slots until they do.
func (h *Handle) Cancel() {
	h.b.m.Lock()
	defer h.b.m.Unlock()
	if !h.canceled {
		h.canceled = true
		h.b.stats.Canceled++
	}
}

// Bridge turns narrow transactions into wide bursts and hands the
// responses back in submission order.
type Bridge struct {
	name    string
	cfg     Config
	backend Backend
	slots   *semaphore.Weighted
	latency *metrics.Histogram

	m     sync.Mutex
	tag   uint64
	ids   map[uint64]*Handle
	order []*Handle
	stats Stats
}

func NewBridge(name string, cfg Config, backend Backend) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(name); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, hwerr.Configf(name, "no backend")
	}
	return &Bridge{
		name:    name,
		cfg:     cfg,
		backend: backend,
		slots:   semaphore.NewWeighted(int64(cfg.MaxOutstanding)),
		latency: metric.Histogram(metric.MetricOpts{
			Namespace: "avalanche",
			Subsystem: "bridge",
			Name:      "latency_seconds",
		}, []string{metric.Label("bridge", name)}),
		ids: make(map[uint64]*Handle),
	}, nil
}

func (b *Bridge) Name() string {
	return b.name
}

func (b *Bridge) Config() Config {
	return b.cfg
}

func (b *Bridge) Stats() Stats {
	b.m.Lock()
	defer b.m.Unlock()
	s := b.stats
	s.InFlight = len(b.order)
	return s
}

func (b *Bridge) check(t Transaction) error {
	if t.Op != OpRead && t.Op != OpWrite {
		return fmt.Errorf("%s: %w: unknown op %v", b.name, ErrInvalidTransaction, t.Op)
	}
	if t.Length <= 0 {
		return fmt.Errorf("%s: %w: length %d", b.name, ErrInvalidTransaction, t.Length)
	}
	size := t.Length * b.cfg.NarrowWidth
	if t.Op == OpWrite && len(t.Data) != size {
		return fmt.Errorf("%s: %w: %d payload bytes for %d words", b.name, ErrInvalidTransaction, len(t.Data), t.Length)
	}
	if err := hwerr.CheckRange(t.Addr, uint64(size), b.cfg.AddressSpace); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	return nil
}

// Submit widens t and issues its bursts. It never blocks: when the backend
// has fewer free slots than t needs it fails with hwerr.ErrBackendBusy.
// Backend failures are reported through Poll.
func (b *Bridge) Submit(t Transaction) (*Handle, error) {
	if err := b.check(t); err != nil {
		return nil, err
	}
	s := b.cfg.span(t)
	bursts := b.cfg.plan(t, s)
	if len(bursts) > b.cfg.MaxOutstanding {
		return nil, fmt.Errorf("%s: %w: %d bursts but only %d backend slots", b.name, ErrInvalidTransaction, len(bursts), b.cfg.MaxOutstanding)
	}
	h := &Handle{
		txn:       t,
		span:      s,
		bursts:    bursts,
		completed: make([]bool, len(bursts)),
		pending:   len(bursts),
		start:     time.Now(),
		done:      make(chan struct{}),
		b:         b,
	}
	h.txn.Data = nil
	if t.Op == OpRead {
		h.data = make([]byte, s.alignedEnd-s.alignedStart)
	}

	b.m.Lock()
	if _, ok := b.ids[t.ID]; ok {
		b.m.Unlock()
		return nil, fmt.Errorf("%s: %w: %d", b.name, ErrDuplicateID, t.ID)
	}
	if !b.slots.TryAcquire(int64(len(bursts))) {
		b.stats.Busy++
		b.m.Unlock()
		bridgeBusy.WithLabelValues(b.name).Inc()
		return nil, fmt.Errorf("%s: %w", b.name, hwerr.ErrBackendBusy)
	}
	for i := range bursts {
		b.tag++
		bursts[i].ID = b.tag
	}
	b.ids[t.ID] = h
	b.order = append(b.order, h)
	b.stats.Submitted++
	b.stats.Bursts += uint64(len(bursts))
	b.m.Unlock()

	bridgeBursts.WithLabelValues(b.name).Add(float64(len(bursts)))
	for i := range bursts {
		i := i
		err := b.backend.Issue(bursts[i], func(r BurstResult) {
			b.complete(h, i, r)
		})
		if err != nil {
			b.complete(h, i, BurstResult{ID: bursts[i].ID, Err: err})
		}
	}
	return h, nil
}

func (b *Bridge) complete(h *Handle, i int, r BurstResult) {
	b.m.Lock()
	defer b.m.Unlock()
	if h.completed[i] {
		log.Warnw("Ignoring repeated burst completion", "bridge", b.name, "burst", h.bursts[i].ID)
		return
	}
	h.completed[i] = true
	h.pending--
	b.slots.Release(1)

	burst := h.bursts[i]
	switch {
	case r.Err != nil:
		if h.err == nil {
			h.err = fmt.Errorf("%s: burst at %#x: %w", b.name, burst.Addr, r.Err)
		}
	case h.txn.Op == OpRead:
		n := burst.Beats * b.cfg.WideWidth
		if len(r.Data) < n {
			if h.err == nil {
				h.err = fmt.Errorf("%s: burst at %#x returned %d of %d bytes", b.name, burst.Addr, len(r.Data), n)
			}
			break
		}
		copy(h.data[burst.Addr-h.span.alignedStart:], r.Data[:n])
	}
	b.retireLocked()
}

// retireLocked delivers every finished transaction at the head of the
// submission order.
func (b *Bridge) retireLocked() {
	for len(b.order) > 0 && b.order[0].pending == 0 {
		h := b.order[0]
		b.order[0] = nil
		b.order = b.order[1:]
		delete(b.ids, h.txn.ID)

		h.resp = Response{ID: h.txn.ID, Op: h.txn.Op, Addr: h.txn.Addr}
		if h.err == nil && h.txn.Op == OpRead {
			h.resp.Data = h.data[h.span.start-h.span.alignedStart : h.span.end-h.span.alignedStart]
		}
		h.data = nil
		h.retired = true
		close(h.done)

		b.stats.Retired++
		bridgeTransactions.WithLabelValues(b.name, h.txn.Op.String()).Inc()
		b.latency.UpdateDuration(h.start)
		if h.err != nil {
			bridgeErrors.WithLabelValues(b.name).Inc()
			log.Warnw("Transaction failed", "bridge", b.name, "id", h.txn.ID, "err", h.err)
		}
	}
}

// Poll reports the response of h once it has been retired. A canceled
// transaction reports ErrCanceled.
func (b *Bridge) Poll(h *Handle) (Response, bool, error) {
	b.m.Lock()
	defer b.m.Unlock()
	if !h.retired {
		return Response{}, false, nil
	}
	if h.canceled {
		return Response{}, true, ErrCanceled
	}
	if h.err != nil {
		return Response{}, true, h.err
	}
	return h.resp, true, nil
}

// Wait blocks until h is retired or ctx is done. Giving up on ctx leaves
// the transaction in flight.
func (b *Bridge) Wait(ctx context.Context, h *Handle) (Response, error) {
	select {
	case <-h.Done():
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	r, _, err := b.Poll(h)
	return r, err
}
