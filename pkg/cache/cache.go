// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache implements the write-back L2 line cache that sits between
// the 32-bit system bus and the DRAM bridge.
package cache

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/u-root/avalanche/pkg/fabric"
	"github.com/u-root/avalanche/pkg/hwerr"
	"github.com/u-root/avalanche/pkg/logger"
)

var log = logger.LogContainer.GetSimpleLogger()

var (
	ErrMisaligned = errors.New("misaligned word access")
	ErrClosed     = errors.New("cache closed")
)

const wordSize = 4

var (
	cacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache accesses by outcome",
	}, []string{"cache", "result"})
	cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Valid lines replaced by a fill",
	}, []string{"cache"})
	cacheWritebacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "cache",
		Name:      "writebacks_total",
		Help:      "Dirty lines written back to the backend",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(cacheOps)
	prometheus.MustRegister(cacheEvictions)
	prometheus.MustRegister(cacheWritebacks)
}

type Config struct {
	// Lines is the number of line slots.
	Lines int
	// LineSize is the line length in bytes.
	LineSize int
}

// DefaultConfig is an 8 KiB cache.
var DefaultConfig = Config{
	Lines:    256,
	LineSize: 32,
}

type Stats struct {
	Hits       uint64
	Misses     uint64
	Coalesced  uint64
	Evictions  uint64
	Writebacks uint64
	Errors     uint64
}

type lineState int

const (
	idle lineState = iota
	filling
	flushing
)

// pending is one outstanding backend operation. err is set before done is
// closed.
type pending struct {
	done chan struct{}
	err  error
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

type line struct {
	addr  uint64
	valid bool
	dirty bool
	data  []byte
	state lineState
	op    *pending
	lru   *list.Element
	// claims counts requests that waited on the fill of this line and have
	// not retried yet. Claimed lines are never picked as victims.
	claims int
}

// Cache is a set of fully associative lines in front of a bridge. Misses
// fill whole lines, and dirty lines are written back on eviction.
type Cache struct {
	name   string
	cfg    Config
	bridge *fabric.Bridge
	retry  func() backoff.BackOff
	ids    uint64

	// ctx bounds background fills and writebacks. It is only canceled by
	// Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	m          sync.Mutex
	lines      []*line
	lru        *list.List
	index      map[uint64]*line
	writebacks map[uint64]*pending
	changed    chan struct{}
	stats      Stats
	closed     bool
}

func isPow2(v int) bool {
	return v > 0 && v&(v-1) == 0
}

func New(name string, cfg Config, bridge *fabric.Bridge) (*Cache, error) {
	if bridge == nil {
		return nil, hwerr.Configf(name, "no bridge")
	}
	if cfg.Lines <= 0 {
		return nil, hwerr.Configf(name, "capacity of %d lines", cfg.Lines)
	}
	if !isPow2(cfg.LineSize) || cfg.LineSize < wordSize {
		return nil, hwerr.Configf(name, "line size %d is not a power of two of at least one word", cfg.LineSize)
	}
	bc := bridge.Config()
	if cfg.LineSize%bc.NarrowWidth != 0 {
		return nil, hwerr.Configf(name, "line size %d is not a multiple of the %d byte bus word", cfg.LineSize, bc.NarrowWidth)
	}
	burst := bc.MaxBurstBeats * bc.WideWidth
	if bc.BoundaryBytes < burst {
		burst = bc.BoundaryBytes
	}
	if n := (cfg.LineSize + burst - 1) / burst; n > bc.MaxOutstanding {
		return nil, hwerr.Configf(name, "a line needs %d bursts but the bridge allows %d", n, bc.MaxOutstanding)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		name:       name,
		cfg:        cfg,
		bridge:     bridge,
		retry:      fabric.NewRetry,
		ctx:        ctx,
		cancel:     cancel,
		lru:        list.New(),
		index:      make(map[uint64]*line),
		writebacks: make(map[uint64]*pending),
		changed:    make(chan struct{}),
	}
	for i := 0; i < cfg.Lines; i++ {
		l := &line{data: make([]byte, cfg.LineSize)}
		l.lru = c.lru.PushBack(l)
		c.lines = append(c.lines, l)
	}
	return c, nil
}

func (c *Cache) Name() string {
	return c.name
}

func (c *Cache) Config() Config {
	return c.cfg
}

func (c *Cache) Stats() Stats {
	c.m.Lock()
	defer c.m.Unlock()
	return c.stats
}

// Read returns the little-endian word at addr.
func (c *Cache) Read(ctx context.Context, addr uint64) (uint32, error) {
	return c.access(ctx, addr, false, 0)
}

// Write stores v at addr, allocating the line on a miss.
func (c *Cache) Write(ctx context.Context, addr uint64, v uint32) error {
	_, err := c.access(ctx, addr, true, v)
	return err
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) access(ctx context.Context, addr uint64, write bool, v uint32) (uint32, error) {
	if addr%wordSize != 0 {
		return 0, fmt.Errorf("%s: %w: %#x", c.name, ErrMisaligned, addr)
	}
	la := addr &^ uint64(c.cfg.LineSize-1)
	off := addr - la
	joined := false
	var claimed *line

	c.m.Lock()
	for {
		if claimed != nil {
			c.unclaimLocked(claimed)
			claimed = nil
		}
		if c.closed {
			c.m.Unlock()
			return 0, ErrClosed
		}
		if l, ok := c.index[la]; ok {
			if l.state == idle {
				c.lru.MoveToFront(l.lru)
				v = l.word(off, write, v)
				if !joined {
					c.stats.Hits++
				}
				c.m.Unlock()
				if !joined {
					cacheOps.WithLabelValues(c.name, "hit").Inc()
				}
				return v, nil
			}
			fill := l.state == filling
			op := l.op
			if fill {
				l.claims++
				claimed = l
				if !joined {
					joined = true
					c.stats.Coalesced++
					cacheOps.WithLabelValues(c.name, "coalesced").Inc()
				}
			}
			c.m.Unlock()
			err := wait(ctx, op.done)
			if err == nil && fill {
				err = op.err
			}
			c.m.Lock()
			if err != nil {
				if claimed != nil {
					c.unclaimLocked(claimed)
				}
				c.m.Unlock()
				return 0, err
			}
			continue
		}
		if op, ok := c.writebacks[la]; ok {
			c.m.Unlock()
			if err := wait(ctx, op.done); err != nil {
				return 0, err
			}
			c.m.Lock()
			continue
		}

		victim := c.victimLocked()
		if victim == nil {
			ch := c.changed
			c.m.Unlock()
			if err := wait(ctx, ch); err != nil {
				return 0, err
			}
			c.m.Lock()
			continue
		}
		c.stats.Misses++
		cacheOps.WithLabelValues(c.name, "miss").Inc()
		// The fill counts as joined by its own issuer.
		joined = true
		c.startFillLocked(victim, la)
	}
}

// unclaimLocked drops one claim on l and wakes requests waiting for a
// victim once l can be evicted again.
func (c *Cache) unclaimLocked(l *line) {
	l.claims--
	if l.claims == 0 {
		c.notifyLocked()
	}
}

// word reads or writes the word at off. The caller holds the cache lock
// and l is idle.
func (l *line) word(off uint64, write bool, v uint32) uint32 {
	if write {
		binary.LittleEndian.PutUint32(l.data[off:], v)
		l.dirty = true
		return v
	}
	return binary.LittleEndian.Uint32(l.data[off:])
}

// victimLocked picks an idle unclaimed slot, invalid ones first, then the
// least recently used.
func (c *Cache) victimLocked() *line {
	for _, l := range c.lines {
		if l.state == idle && l.claims == 0 && !l.valid {
			return l
		}
	}
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		if l := e.Value.(*line); l.state == idle && l.claims == 0 {
			return l
		}
	}
	return nil
}

func (c *Cache) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Cache) nextID() uint64 {
	return atomic.AddUint64(&c.ids, 1)
}

func (c *Cache) transfer(op fabric.Op, addr uint64, data []byte) ([]byte, error) {
	t := fabric.Transaction{
		ID:     c.nextID(),
		Op:     op,
		Addr:   addr,
		Length: c.cfg.LineSize / c.bridge.Config().NarrowWidth,
		Data:   data,
	}
	r, err := fabric.Transfer(c.ctx, c.bridge, t, c.retry())
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

// startFillLocked turns slot into a pending fill of la. A dirty victim is
// written back first and requests for its address wait for that.
func (c *Cache) startFillLocked(slot *line, la uint64) {
	fill := newPending()
	var (
		wb        *pending
		victim    uint64
		victimBuf []byte
	)
	if slot.valid {
		victim = slot.addr
		delete(c.index, victim)
		c.stats.Evictions++
		cacheEvictions.WithLabelValues(c.name).Inc()
		if slot.dirty {
			wb = newPending()
			c.writebacks[victim] = wb
			victimBuf = append([]byte(nil), slot.data...)
		}
	}
	slot.valid = false
	slot.dirty = false
	slot.addr = la
	slot.state = filling
	slot.op = fill
	c.index[la] = slot

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if wb != nil {
			_, err := c.transfer(fabric.OpWrite, victim, victimBuf)
			c.m.Lock()
			delete(c.writebacks, victim)
			if err != nil {
				log.Errorw("Writeback failed, keeping dirty line", "cache", c.name, "addr", victim, "err", err)
				delete(c.index, la)
				slot.addr = victim
				slot.valid = true
				slot.dirty = true
				slot.state = idle
				slot.op = nil
				c.index[victim] = slot
				c.stats.Errors++
				fill.err = fmt.Errorf("%s: writeback of %#x: %w", c.name, victim, err)
				wb.err = err
				close(wb.done)
				close(fill.done)
				c.notifyLocked()
				c.m.Unlock()
				return
			}
			c.stats.Writebacks++
			cacheWritebacks.WithLabelValues(c.name).Inc()
			close(wb.done)
			c.m.Unlock()
		}

		data, err := c.transfer(fabric.OpRead, la, nil)
		c.m.Lock()
		defer c.m.Unlock()
		slot.state = idle
		slot.op = nil
		if err != nil {
			log.Errorw("Line fill failed", "cache", c.name, "addr", la, "err", err)
			delete(c.index, la)
			c.lru.MoveToBack(slot.lru)
			c.stats.Errors++
			fill.err = fmt.Errorf("%s: fill of %#x: %w", c.name, la, err)
		} else {
			copy(slot.data, data)
			slot.valid = true
			c.lru.MoveToFront(slot.lru)
		}
		close(fill.done)
		c.notifyLocked()
	}()
}

// Flush writes every dirty line back and waits for writebacks of evicted
// lines. Lines stay valid.
func (c *Cache) Flush(ctx context.Context) error {
	c.m.Lock()
	for {
		if c.closed {
			c.m.Unlock()
			return ErrClosed
		}
		var dirty *line
		for _, l := range c.lines {
			if l.state == idle && l.valid && l.dirty {
				dirty = l
				break
			}
		}
		if dirty == nil {
			break
		}
		op := newPending()
		dirty.state = flushing
		dirty.op = op
		addr := dirty.addr
		buf := append([]byte(nil), dirty.data...)
		c.m.Unlock()

		_, err := c.transfer(fabric.OpWrite, addr, buf)

		c.m.Lock()
		dirty.state = idle
		dirty.op = nil
		if err == nil {
			dirty.dirty = false
			c.stats.Writebacks++
			cacheWritebacks.WithLabelValues(c.name).Inc()
		} else {
			c.stats.Errors++
			op.err = err
		}
		close(op.done)
		c.notifyLocked()
		if err != nil {
			c.m.Unlock()
			return fmt.Errorf("%s: flush of %#x: %w", c.name, addr, err)
		}
		if err := ctx.Err(); err != nil {
			c.m.Unlock()
			return err
		}
	}
	var wbs []*pending
	for _, op := range c.writebacks {
		wbs = append(wbs, op)
	}
	c.m.Unlock()

	for _, op := range wbs {
		if err := wait(ctx, op.done); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops every idle line without writing it back. It is used
// when the memory behind the cache has been reset.
func (c *Cache) Invalidate() {
	c.m.Lock()
	defer c.m.Unlock()
	for _, l := range c.lines {
		if l.state != idle || !l.valid {
			continue
		}
		delete(c.index, l.addr)
		l.valid = false
		l.dirty = false
		c.lru.MoveToBack(l.lru)
	}
	c.notifyLocked()
}

// Close stops background operations that are still waiting on the bridge
// and rejects further accesses.
func (c *Cache) Close() error {
	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		return nil
	}
	c.closed = true
	c.notifyLocked()
	c.m.Unlock()
	c.cancel()
	c.wg.Wait()
	return nil
}
