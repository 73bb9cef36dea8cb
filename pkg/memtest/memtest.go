// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memtest checks and loads main RAM through the system bus.
package memtest

import (
	"context"
	"fmt"
	"time"

	"github.com/u-root/avalanche/pkg/hwerr"
	"github.com/u-root/avalanche/pkg/logger"
)

var log = logger.LogContainer.GetSimpleLogger()

const (
	wordSize = 4
	// busSize is the span of the data bus test.
	busSize = 512
	seed    = 42
	lfsrTap = 0x80200003
	// maxReported limits the mismatches logged per pass.
	maxReported = 8
)

// Memory is a word addressed bus with a write-back cache in front of it.
// Flush writes back and drops the cache contents.
type Memory interface {
	Read(ctx context.Context, addr uint64) (uint32, error)
	Write(ctx context.Context, addr uint64, v uint32) error
	Flush(ctx context.Context) error
}

type Result struct {
	Words      uint64
	BusErrors  uint64
	AddrErrors uint64
	DataErrors uint64
	Duration   time.Duration
}

func (r Result) Errors() uint64 {
	return r.BusErrors + r.AddrErrors + r.DataErrors
}

func (r Result) String() string {
	return fmt.Sprintf("Memtest bus errors: %d/%d\nMemtest addr errors: %d/%d\nMemtest data errors: %d/%d\nMemtest %s (%s)",
		r.BusErrors, min(r.Words, busSize/wordSize)*2,
		r.AddrErrors, r.Words,
		r.DataErrors, r.Words,
		okKO(r.Errors() == 0), r.Duration.Round(time.Microsecond))
}

func okKO(ok bool) string {
	if ok {
		return "OK"
	}
	return "KO"
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func lfsr(v uint32) uint32 {
	lsb := v & 1
	v >>= 1
	if lsb != 0 {
		v ^= lfsrTap
	}
	return v
}

type pass struct {
	name    string
	words   uint64
	pattern func(i uint64, prev uint32) uint32
}

// Run tests [base, base+size) with a data bus pass of alternating bits, an
// address pass and a pseudo random data pass. Each pass writes, flushes and
// reads back. Mismatches are counted, bus errors abort the run.
func Run(ctx context.Context, mem Memory, base, size uint64) (Result, error) {
	if base%wordSize != 0 || size%wordSize != 0 || size == 0 {
		return Result{}, hwerr.Configf("memtest", "region %#x+%#x is not word aligned", base, size)
	}
	start := time.Now()
	words := size / wordSize
	r := Result{Words: words}

	passes := []pass{
		{"bus 0xaaaaaaaa", min(words, busSize/wordSize), func(uint64, uint32) uint32 { return 0xaaaaaaaa }},
		{"bus 0x55555555", min(words, busSize/wordSize), func(uint64, uint32) uint32 { return 0x55555555 }},
		{"addr", words, func(i uint64, _ uint32) uint32 { return uint32(i) }},
		{"data", words, func(i uint64, prev uint32) uint32 {
			if i == 0 {
				return lfsr(seed)
			}
			return lfsr(prev)
		}},
	}
	counts := []*uint64{&r.BusErrors, &r.BusErrors, &r.AddrErrors, &r.DataErrors}
	for i, p := range passes {
		n, err := p.run(ctx, mem, base)
		*counts[i] += n
		if err != nil {
			r.Duration = time.Since(start)
			return r, fmt.Errorf("memtest %s pass: %w", p.name, err)
		}
	}
	r.Duration = time.Since(start)
	if r.Errors() != 0 {
		log.Warnw("Memtest failed", "base", fmt.Sprintf("%#x", base), "size", size, "errors", r.Errors())
	} else {
		log.Infow("Memtest passed", "base", fmt.Sprintf("%#x", base), "size", size, "duration", r.Duration.String())
	}
	return r, nil
}

func (p *pass) run(ctx context.Context, mem Memory, base uint64) (uint64, error) {
	var v uint32
	for i := uint64(0); i < p.words; i++ {
		v = p.pattern(i, v)
		if err := mem.Write(ctx, base+i*wordSize, v); err != nil {
			return 0, err
		}
	}
	if err := mem.Flush(ctx); err != nil {
		return 0, err
	}
	var errs uint64
	v = 0
	for i := uint64(0); i < p.words; i++ {
		v = p.pattern(i, v)
		addr := base + i*wordSize
		got, err := mem.Read(ctx, addr)
		if err != nil {
			return errs, err
		}
		if got == v {
			continue
		}
		errs++
		if errs <= maxReported {
			log.Debugw("Memtest mismatch", "pass", p.name, "addr", fmt.Sprintf("%#x", addr),
				"expected", fmt.Sprintf("%#08x", v), "got", fmt.Sprintf("%#08x", got))
		}
	}
	return errs, nil
}
