// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/u-root/avalanche/pkg/fabric"
	"github.com/u-root/avalanche/pkg/hwerr"
)

func mustRead(t *testing.T, c *Cache, addr uint64) uint32 {
	t.Helper()
	v, err := c.Read(context.Background(), addr)
	if err != nil {
		t.Fatalf("Read(%#x): %v", addr, err)
	}
	return v
}

func mustWrite(t *testing.T, c *Cache, addr uint64, v uint32) {
	t.Helper()
	if err := c.Write(context.Background(), addr, v); err != nil {
		t.Fatalf("Write(%#x): %v", addr, err)
	}
}

func TestCacheConfiguration(t *testing.T) {
	be := newMemBackend()
	br, err := fabric.NewBridge("cache_cfg", fabric.Config{AddressSpace: 0x1000}, be)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	for _, cfg := range []Config{
		{Lines: 0, LineSize: 16},
		{Lines: 4, LineSize: 24},
		{Lines: 4, LineSize: 2},
		{Lines: -1, LineSize: 16},
	} {
		if _, err := New("cache_cfg", cfg, br); !errors.Is(err, hwerr.ErrConfiguration) {
			t.Errorf("Expected configuration error for %+v, got %v", cfg, err)
		}
	}
	if _, err := New("cache_cfg", DefaultConfig, nil); !errors.Is(err, hwerr.ErrConfiguration) {
		t.Errorf("Expected configuration error without bridge, got %v", err)
	}

	// One beat bursts and a single slot cannot move a four beat line.
	narrow, err := fabric.NewBridge("cache_cfg", fabric.Config{MaxBurstBeats: 1, MaxOutstanding: 1, AddressSpace: 0x1000}, be)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	if _, err := New("cache_cfg", Config{Lines: 4, LineSize: 32}, narrow); !errors.Is(err, hwerr.ErrConfiguration) {
		t.Errorf("Expected configuration error for unreachable line size, got %v", err)
	}
}

func TestCacheMisaligned(t *testing.T) {
	c := newCache(t, "misaligned", Config{Lines: 2, LineSize: 16}, newMemBackend())
	if _, err := c.Read(context.Background(), 2); !errors.Is(err, ErrMisaligned) {
		t.Errorf("Expected ErrMisaligned, got %v", err)
	}
	if err := c.Write(context.Background(), 7, 1); !errors.Is(err, ErrMisaligned) {
		t.Errorf("Expected ErrMisaligned, got %v", err)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	be := newMemBackend()
	c := newCache(t, "roundtrip", Config{Lines: 4, LineSize: 16}, be)

	mustWrite(t, c, 0x104, 0xcafef00d)
	if v := mustRead(t, c, 0x104); v != 0xcafef00d {
		t.Errorf("Read from cache failed, expected %#x got %#x", 0xcafef00d, v)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	c.Invalidate()
	if v := mustRead(t, c, 0x104); v != 0xcafef00d {
		t.Errorf("Read after fill failed, expected %#x got %#x", 0xcafef00d, v)
	}
	if v := mustRead(t, c, 0x100); v != 0 {
		t.Errorf("Neighbouring word changed, got %#x", v)
	}
}

func TestCacheRepeatedReads(t *testing.T) {
	be := newMemBackend()
	be.SetWord(0x40, 0x12345678)
	c := newCache(t, "repeated", Config{Lines: 2, LineSize: 16}, be)
	for i := 0; i < 5; i++ {
		if v := mustRead(t, c, 0x40); v != 0x12345678 {
			t.Fatalf("Read %d: expected %#x got %#x", i, 0x12345678, v)
		}
	}
	s := c.Stats()
	if s.Misses != 1 || s.Hits != 4 {
		t.Errorf("Expected 1 miss and 4 hits, got %+v", s)
	}
	if len(be.Log()) != 1 {
		t.Errorf("Expected a single fill, got %v", be.Log())
	}
}

func TestCacheCoalescesMisses(t *testing.T) {
	const readers = 8
	be := newMemBackend()
	be.SetWord(0x20, 7)
	be.gate = make(chan struct{})
	name := "coalesce"
	c := newCache(t, name, Config{Lines: 2, LineSize: 16}, be)

	var wg sync.WaitGroup
	values := make([]uint32, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = c.Read(context.Background(), 0x20+uint64(i%4)*4)
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().Coalesced != readers-1 {
		if time.Now().After(deadline) {
			t.Fatalf("Readers did not join the fill: %+v", c.Stats())
		}
		time.Sleep(time.Millisecond)
	}
	close(be.gate)
	wg.Wait()

	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Errorf("Reader %d: %v", i, errs[i])
		}
		expected := uint32(0)
		if i%4 == 0 {
			expected = 7
		}
		if values[i] != expected {
			t.Errorf("Reader %d: expected %d got %d", i, expected, values[i])
		}
	}
	if diff := cmp.Diff([]string{"read 0x20"}, be.Log()); diff != "" {
		t.Errorf("Backend log mismatch (-want +got):\n%s", diff)
	}
	if v := testutil.ToFloat64(cacheOps.WithLabelValues(name, "miss")); v != 1 {
		t.Errorf("Expected 1 miss in metrics, got %v", v)
	}
}

func TestCacheEvictionWritesBack(t *testing.T) {
	be := newMemBackend()
	c := newCache(t, "eviction", Config{Lines: 1, LineSize: 16}, be)

	mustWrite(t, c, 0x0, 0xdeadbeef)
	mustWrite(t, c, 0xc, 0x1)
	mustRead(t, c, 0x10)
	if v := be.Word(0x0); v != 0xdeadbeef {
		t.Errorf("Writeback missing, backend holds %#x", v)
	}
	if v := mustRead(t, c, 0x0); v != 0xdeadbeef {
		t.Errorf("Fill after writeback failed, expected %#x got %#x", 0xdeadbeef, v)
	}
	if v := mustRead(t, c, 0xc); v != 1 {
		t.Errorf("Expected 1 got %d", v)
	}

	expected := []string{"read 0x0", "write 0x0", "read 0x10", "read 0x0"}
	if diff := cmp.Diff(expected, be.Log()); diff != "" {
		t.Errorf("Backend log mismatch (-want +got):\n%s", diff)
	}
	if s := c.Stats(); s.Evictions != 2 || s.Writebacks != 1 {
		t.Errorf("Expected 2 evictions and 1 writeback, got %+v", s)
	}
}

func TestCacheWaitsForWriteback(t *testing.T) {
	be := newMemBackend()
	c := newCache(t, "midwriteback", Config{Lines: 1, LineSize: 16}, be)
	mustWrite(t, c, 0x0, 0xabcd)

	be.m.Lock()
	be.gate = make(chan struct{})
	be.m.Unlock()

	addrs := []uint64{0x10, 0x0, 0x20}
	values := make([]uint32, len(addrs))
	errs := make([]error, len(addrs))
	var wg sync.WaitGroup
	read := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values[i], errs[i] = c.Read(context.Background(), addrs[i])
		}()
	}

	// The miss on 0x10 evicts the dirty line and parks on its writeback.
	read(0)
	deadline := time.Now().Add(5 * time.Second)
	for len(be.Log()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Writeback was not issued: %v", be.Log())
		}
		time.Sleep(time.Millisecond)
	}
	// 0x0 is being written back and the only slot is filling 0x10.
	read(1)
	read(2)
	time.Sleep(10 * time.Millisecond)
	if s := c.Stats(); s.Misses != 2 {
		t.Errorf("Expected the waiting reads not to miss yet, got %+v", s)
	}
	close(be.gate)
	wg.Wait()

	expected := []uint32{0, 0xabcd, 0}
	for i := range addrs {
		if errs[i] != nil {
			t.Errorf("Read(%#x): %v", addrs[i], errs[i])
		}
		if values[i] != expected[i] {
			t.Errorf("Read(%#x): expected %#x got %#x", addrs[i], expected[i], values[i])
		}
	}

	got := be.Log()
	if len(got) != 5 {
		t.Fatalf("Expected every line to be filled once, got %v", got)
	}
	if diff := cmp.Diff([]string{"read 0x0", "write 0x0", "read 0x10"}, got[:3]); diff != "" {
		t.Errorf("Backend log mismatch (-want +got):\n%s", diff)
	}
	rest := map[string]bool{got[3]: true, got[4]: true}
	if !rest["read 0x0"] || !rest["read 0x20"] {
		t.Errorf("Expected fills of 0x0 and 0x20 after the writeback, got %v", got)
	}
}

func TestCacheFillIssuerKeepsLine(t *testing.T) {
	const readers = 16
	be := newMemBackend()
	for i := uint64(0); i < readers; i++ {
		be.SetWord(i*16, uint32(i))
	}
	c := newCache(t, "issuer", Config{Lines: 2, LineSize: 16}, be)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Read(context.Background(), uint64(i)*16)
			if err != nil || v != uint32(i) {
				t.Errorf("Read(%#x): expected %d got %d, %v", i*16, i, v, err)
			}
		}(i)
	}
	wg.Wait()
	if n := len(be.Log()); n != readers {
		t.Errorf("Expected %d fills, got %d: %v", readers, n, be.Log())
	}
}

func TestCacheTwoLineScenario(t *testing.T) {
	be := newMemBackend()
	c := newCache(t, "scenario", Config{Lines: 2, LineSize: 16}, be)

	mustWrite(t, c, 0, 100)
	mustWrite(t, c, 16, 116)
	mustWrite(t, c, 32, 132)

	before := c.Stats()
	if v := mustRead(t, c, 16); v != 116 {
		t.Errorf("Expected 116 got %d", v)
	}
	after := c.Stats()
	if after.Hits != before.Hits+1 || after.Misses != before.Misses {
		t.Errorf("Expected address 16 to hit, stats went from %+v to %+v", before, after)
	}

	if v := mustRead(t, c, 0); v != 100 {
		t.Errorf("Expected 100 got %d", v)
	}
	if s := c.Stats(); s.Misses != after.Misses+1 {
		t.Errorf("Expected address 0 to miss, got %+v", s)
	}
	expected := []string{"read 0x0", "read 0x10", "write 0x0", "read 0x20", "write 0x20", "read 0x0"}
	if diff := cmp.Diff(expected, be.Log()); diff != "" {
		t.Errorf("Backend log mismatch (-want +got):\n%s", diff)
	}
}

func TestCacheFillError(t *testing.T) {
	be := newMemBackend()
	boom := errors.New("calibration lost")
	be.failReads = boom
	c := newCache(t, "fill_error", Config{Lines: 1, LineSize: 16}, be)

	if _, err := c.Read(context.Background(), 0x30); !errors.Is(err, boom) {
		t.Fatalf("Expected fill error, got %v", err)
	}
	be.m.Lock()
	be.failReads = nil
	be.m.Unlock()
	be.SetWord(0x30, 3)
	if v := mustRead(t, c, 0x30); v != 3 {
		t.Errorf("Expected 3 got %d", v)
	}
	if s := c.Stats(); s.Errors != 1 || s.Misses != 2 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestCacheOutOfRangeFill(t *testing.T) {
	c := newCache(t, "out_of_range", Config{Lines: 1, LineSize: 16}, newMemBackend())
	if _, err := c.Read(context.Background(), 0x10000); !errors.Is(err, hwerr.ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
}

func TestCacheWritebackErrorKeepsLine(t *testing.T) {
	be := newMemBackend()
	c := newCache(t, "writeback_error", Config{Lines: 1, LineSize: 16}, be)
	mustWrite(t, c, 0x0, 5)

	boom := errors.New("bus error")
	be.m.Lock()
	be.failWrites = boom
	be.m.Unlock()
	if _, err := c.Read(context.Background(), 0x10); !errors.Is(err, boom) {
		t.Fatalf("Expected writeback error, got %v", err)
	}
	be.m.Lock()
	be.failWrites = nil
	be.m.Unlock()

	if v := mustRead(t, c, 0x0); v != 5 {
		t.Errorf("Dirty line lost, expected 5 got %d", v)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if v := be.Word(0x0); v != 5 {
		t.Errorf("Expected 5 in backend after flush, got %d", v)
	}
}

func TestCacheCanceledCallerKeepsFill(t *testing.T) {
	be := newMemBackend()
	be.SetWord(0x80, 9)
	be.gate = make(chan struct{})
	c := newCache(t, "canceled", Config{Lines: 2, LineSize: 16}, be)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Read(ctx, 0x80); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	close(be.gate)
	if v := mustRead(t, c, 0x80); v != 9 {
		t.Errorf("Expected 9 got %d", v)
	}
	if len(be.Log()) != 1 {
		t.Errorf("Expected the abandoned fill to be reused, got %v", be.Log())
	}
}

func TestCacheFlush(t *testing.T) {
	be := newMemBackend()
	c := newCache(t, "flush", Config{Lines: 4, LineSize: 16}, be)
	for i := uint64(0); i < 4; i++ {
		mustWrite(t, c, i*16, uint32(i+1))
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if v := be.Word(i * 16); v != uint32(i+1) {
			t.Errorf("Line %d not flushed, expected %d got %d", i, i+1, v)
		}
	}
	n := len(be.Log())
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(be.Log()) != n {
		t.Errorf("Clean lines written back again: %v", be.Log()[n:])
	}
	if s := c.Stats(); s.Writebacks != 4 {
		t.Errorf("Expected 4 writebacks, got %d", s.Writebacks)
	}
}

func TestCacheClose(t *testing.T) {
	c := newCache(t, "close", Config{Lines: 1, LineSize: 16}, newMemBackend())
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Read(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestCacheConcurrentClients(t *testing.T) {
	be := newMemBackend()
	c := newCache(t, "concurrent", Config{Lines: 3, LineSize: 16}, be)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < 50; i++ {
				addr := uint64(g*0x100 + (i%8)*4)
				if err := c.Write(ctx, addr, uint32(g<<16|i)); err != nil {
					errs <- err
					return
				}
				v, err := c.Read(ctx, addr)
				if err != nil {
					errs <- err
					return
				}
				if v != uint32(g<<16|i) {
					errs <- fmt.Errorf("client %d: %#x read %#x, wrote %#x", g, addr, v, g<<16|i)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
