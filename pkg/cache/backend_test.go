// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/u-root/avalanche/pkg/fabric"
)

// memBackend is a byte store that logs every burst. With a gate set,
// completions wait until the gate is closed.
type memBackend struct {
	width int

	m          sync.Mutex
	mem        map[uint64]byte
	log        []string
	gate       chan struct{}
	failReads  error
	failWrites error
}

func newMemBackend() *memBackend {
	return &memBackend{width: 8, mem: make(map[uint64]byte)}
}

func (b *memBackend) Issue(bu fabric.Burst, done func(fabric.BurstResult)) error {
	b.m.Lock()
	b.log = append(b.log, fmt.Sprintf("%v %#x", bu.Op, bu.Addr))
	gate := b.gate
	b.m.Unlock()
	if gate != nil {
		go func() {
			<-gate
			done(b.exec(bu))
		}()
		return nil
	}
	done(b.exec(bu))
	return nil
}

func (b *memBackend) exec(bu fabric.Burst) fabric.BurstResult {
	b.m.Lock()
	defer b.m.Unlock()
	r := fabric.BurstResult{ID: bu.ID}
	if bu.Op == fabric.OpRead && b.failReads != nil {
		r.Err = b.failReads
		return r
	}
	if bu.Op == fabric.OpWrite && b.failWrites != nil {
		r.Err = b.failWrites
		return r
	}
	for i := 0; i < bu.Beats*b.width; i++ {
		a := bu.Addr + uint64(i)
		if bu.Op == fabric.OpWrite {
			if bu.Strobe[i/b.width]&(1<<(i%b.width)) != 0 {
				b.mem[a] = bu.Data[i]
			}
			continue
		}
		r.Data = append(r.Data, b.mem[a])
	}
	return r
}

func (b *memBackend) Log() []string {
	b.m.Lock()
	defer b.m.Unlock()
	return append([]string(nil), b.log...)
}

func (b *memBackend) Word(addr uint64) uint32 {
	b.m.Lock()
	defer b.m.Unlock()
	return uint32(b.mem[addr]) | uint32(b.mem[addr+1])<<8 | uint32(b.mem[addr+2])<<16 | uint32(b.mem[addr+3])<<24
}

func (b *memBackend) SetWord(addr uint64, v uint32) {
	b.m.Lock()
	defer b.m.Unlock()
	for i := uint64(0); i < 4; i++ {
		b.mem[addr+i] = byte(v >> (8 * i))
	}
}

func newCache(t *testing.T, name string, cfg Config, be *memBackend) *Cache {
	t.Helper()
	br, err := fabric.NewBridge(name, fabric.Config{AddressSpace: 0x10000}, be)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	c, err := New(name, cfg, br)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
