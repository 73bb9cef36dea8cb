// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fabric

import (
	"fmt"
	"sync"
	"testing"
)

type issued struct {
	b    Burst
	done func(BurstResult)
}

// fakeBackend is a byte addressed memory with an optional queue of
// expected bursts. Bursts complete right away when immediate is set and
// otherwise wait for Complete.
type fakeBackend struct {
	t         *testing.T
	width     int
	immediate bool
	fail      error

	m      sync.Mutex
	expect []Burst
	issued []issued
	mem    map[uint64]byte
}

func fakeWide(t *testing.T, width int, immediate bool) *fakeBackend {
	return &fakeBackend{t: t, width: width, immediate: immediate, mem: make(map[uint64]byte)}
}

func burststr(b *Burst) string {
	return fmt.Sprintf("{%v @ %08x, %d beats, strobe %x}", b.Op, b.Addr, b.Beats, b.Strobe)
}

func (f *fakeBackend) ExpectBurst(op Op, addr uint64, beats int, strobe ...uint64) {
	f.m.Lock()
	defer f.m.Unlock()
	f.expect = append(f.expect, Burst{Op: op, Addr: addr, Beats: beats, Strobe: strobe})
}

func (f *fakeBackend) Issue(b Burst, done func(BurstResult)) error {
	f.m.Lock()
	if f.fail != nil {
		f.m.Unlock()
		return f.fail
	}
	if len(f.expect) > 0 {
		e := f.expect[0]
		f.expect = f.expect[1:]
		ok := e.Op == b.Op && e.Addr == b.Addr && e.Beats == b.Beats && len(e.Strobe) == len(b.Strobe)
		for i := 0; ok && i < len(e.Strobe); i++ {
			ok = e.Strobe[i] == b.Strobe[i]
		}
		if !ok {
			f.t.Errorf("Expected %s, got %s", burststr(&e), burststr(&b))
		}
	}
	f.issued = append(f.issued, issued{b, done})
	n := len(f.issued) - 1
	f.m.Unlock()
	if f.immediate {
		f.Complete(n)
	}
	return nil
}

// Complete finishes the n-th issued burst against the memory.
func (f *fakeBackend) Complete(n int) {
	f.m.Lock()
	is := f.issued[n]
	b := is.b
	r := BurstResult{ID: b.ID}
	for i := 0; i < b.Beats*f.width; i++ {
		a := b.Addr + uint64(i)
		if b.Op == OpWrite {
			if b.Strobe[i/f.width]&(1<<(i%f.width)) != 0 {
				f.mem[a] = b.Data[i]
			}
			continue
		}
		r.Data = append(r.Data, f.mem[a])
	}
	f.m.Unlock()
	is.done(r)
}

func (f *fakeBackend) Fail(n int, err error) {
	f.m.Lock()
	is := f.issued[n]
	f.m.Unlock()
	is.done(BurstResult{ID: is.b.ID, Err: err})
}

func (f *fakeBackend) Issued() int {
	f.m.Lock()
	defer f.m.Unlock()
	return len(f.issued)
}

func (f *fakeBackend) Burst(n int) Burst {
	f.m.Lock()
	defer f.m.Unlock()
	return f.issued[n].b
}

func (f *fakeBackend) Verify() {
	f.m.Lock()
	defer f.m.Unlock()
	for _, e := range f.expect {
		f.t.Errorf("Expected %s, never issued", burststr(&e))
	}
}
