// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fabric

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/u-root/avalanche/pkg/hwerr"
)

func newBridge(t *testing.T, name string, cfg Config, be Backend) *Bridge {
	t.Helper()
	if cfg.AddressSpace == 0 {
		cfg.AddressSpace = 0x10000
	}
	b, err := NewBridge(name, cfg, be)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	return b
}

func mustSubmit(t *testing.T, b *Bridge, txn Transaction) *Handle {
	t.Helper()
	h, err := b.Submit(txn)
	if err != nil {
		t.Fatalf("Submit(%+v): %v", txn, err)
	}
	return h
}

func TestBridgeConfiguration(t *testing.T) {
	be := fakeWide(t, 8, true)
	for _, cfg := range []Config{
		{WideWidth: 3, AddressSpace: 0x100},
		{WideWidth: 128, AddressSpace: 0x100},
		{WideWidth: 16, BoundaryBytes: 8, AddressSpace: 0x100},
		{MaxBurstBeats: 257, AddressSpace: 0x100},
		{MaxOutstanding: -1, AddressSpace: 0x100},
		{NarrowWidth: -4, AddressSpace: 0x100},
		{},
	} {
		if _, err := NewBridge("cfg", cfg, be); !errors.Is(err, hwerr.ErrConfiguration) {
			t.Errorf("Expected configuration error for %+v, got %v", cfg, err)
		}
	}
	if _, err := NewBridge("cfg", Config{AddressSpace: 0x100}, nil); !errors.Is(err, hwerr.ErrConfiguration) {
		t.Errorf("Expected configuration error without backend, got %v", err)
	}
	b := newBridge(t, "cfg", Config{}, be)
	if c := b.Config(); c.NarrowWidth != 4 || c.WideWidth != 8 || c.MaxOutstanding != 4 {
		t.Errorf("Defaults not applied: %+v", c)
	}
}

func TestBridgeWriteStrobes(t *testing.T) {
	be := fakeWide(t, 8, true)
	b := newBridge(t, "strobes", Config{}, be)

	be.ExpectBurst(OpWrite, 0x0, 1, 0xf0)
	h := mustSubmit(t, b, Transaction{ID: 1, Op: OpWrite, Addr: 4, Length: 1, Data: []byte{1, 2, 3, 4}})
	if _, done, err := b.Poll(h); !done || err != nil {
		t.Fatalf("Expected write to be retired, got done=%v err=%v", done, err)
	}

	be.ExpectBurst(OpWrite, 0x10, 2, 0xf0, 0xff)
	mustSubmit(t, b, Transaction{ID: 2, Op: OpWrite, Addr: 0x14, Length: 3, Data: []byte{5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}})
	be.Verify()

	d := be.Burst(1).Data
	expected := []byte{0, 0, 0, 0, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if !bytes.Equal(d, expected) {
		t.Errorf("Burst data mismatch, expected %v got %v", expected, d)
	}
	// Lanes outside of the strobe must not be touched.
	if _, ok := be.mem[0x10]; ok {
		t.Errorf("Padding lane written")
	}
}

func TestBridgeSplitsBursts(t *testing.T) {
	be := fakeWide(t, 8, true)
	b := newBridge(t, "split", Config{MaxBurstBeats: 2, BoundaryBytes: 16}, be)

	be.ExpectBurst(OpRead, 0x08, 1)
	be.ExpectBurst(OpRead, 0x10, 2)
	be.ExpectBurst(OpRead, 0x20, 1)
	mustSubmit(t, b, Transaction{ID: 1, Op: OpRead, Addr: 0x08, Length: 8})
	be.Verify()

	// Five bursts never fit into four slots.
	_, err := b.Submit(Transaction{ID: 2, Op: OpRead, Addr: 0x0, Length: 20})
	if !errors.Is(err, ErrInvalidTransaction) {
		t.Errorf("Expected ErrInvalidTransaction, got %v", err)
	}
}

func TestBridgeReadExtractsLanes(t *testing.T) {
	be := fakeWide(t, 8, true)
	for i := uint64(0); i < 32; i++ {
		be.mem[i] = byte(i)
	}
	b := newBridge(t, "extract", Config{}, be)
	h := mustSubmit(t, b, Transaction{ID: 7, Op: OpRead, Addr: 0xc, Length: 2})
	r, err := b.Wait(context.Background(), h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	expected := Response{ID: 7, Op: OpRead, Addr: 0xc, Data: []byte{12, 13, 14, 15, 16, 17, 18, 19}}
	if diff := cmp.Diff(expected, r); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgeOddNarrowWidth(t *testing.T) {
	be := fakeWide(t, 4, true)
	b := newBridge(t, "odd", Config{NarrowWidth: 3, WideWidth: 4}, be)
	be.ExpectBurst(OpWrite, 0x0, 2, 0xc, 0x1)
	mustSubmit(t, b, Transaction{ID: 1, Op: OpWrite, Addr: 2, Length: 1, Data: []byte{0xaa, 0xbb, 0xcc}})
	be.Verify()
	h := mustSubmit(t, b, Transaction{ID: 2, Op: OpRead, Addr: 2, Length: 1})
	r, _, err := b.Poll(h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if expected := []byte{0xaa, 0xbb, 0xcc}; !bytes.Equal(r.Data, expected) {
		t.Errorf("Read back failed, expected %v got %v", expected, r.Data)
	}
}

func TestBridgeRejects(t *testing.T) {
	be := fakeWide(t, 8, true)
	b := newBridge(t, "rejects", Config{AddressSpace: 0x1000}, be)

	for _, txn := range []Transaction{
		{ID: 1, Op: OpRead, Addr: 0, Length: 0},
		{ID: 2, Op: OpWrite, Addr: 0, Length: 2, Data: []byte{1, 2, 3, 4}},
		{ID: 3, Op: Op(9), Addr: 0, Length: 1},
	} {
		if _, err := b.Submit(txn); !errors.Is(err, ErrInvalidTransaction) {
			t.Errorf("Expected ErrInvalidTransaction for %+v, got %v", txn, err)
		}
	}

	_, err := b.Submit(Transaction{ID: 4, Op: OpRead, Addr: 0xffc, Length: 2})
	var oor *hwerr.OutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("Expected OutOfRangeError, got %v", err)
	}
	if oor.Addr != 0xffc || oor.Limit != 0x1000 {
		t.Errorf("Unexpected range error %+v", oor)
	}
	if !errors.Is(err, hwerr.ErrOutOfRange) {
		t.Errorf("Expected errors.Is ErrOutOfRange")
	}
	if be.Issued() != 0 {
		t.Errorf("Rejected transactions reached the backend")
	}
}

func TestBridgeOrdering(t *testing.T) {
	be := fakeWide(t, 8, false)
	b := newBridge(t, "ordering", Config{}, be)

	h1 := mustSubmit(t, b, Transaction{ID: 10, Op: OpRead, Addr: 0x00, Length: 1})
	h2 := mustSubmit(t, b, Transaction{ID: 11, Op: OpRead, Addr: 0x40, Length: 1})
	h3 := mustSubmit(t, b, Transaction{ID: 12, Op: OpRead, Addr: 0x80, Length: 1})

	be.Complete(2)
	be.Complete(1)
	for _, h := range []*Handle{h1, h2, h3} {
		if _, done, _ := b.Poll(h); done {
			t.Errorf("Transaction %d delivered before transaction 10", h.ID())
		}
	}
	be.Complete(0)
	for _, h := range []*Handle{h1, h2, h3} {
		select {
		case <-h.Done():
		default:
			t.Errorf("Transaction %d not delivered", h.ID())
		}
	}
	if s := b.Stats(); s.InFlight != 0 || s.Retired != 3 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

// Completing bursts in random order must retire transactions as a prefix
// of the submission order.
func TestBridgeOrderingRandom(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for round := 0; round < 50; round++ {
		be := fakeWide(t, 8, false)
		b := newBridge(t, "ordering_random", Config{MaxOutstanding: 16}, be)
		var hs []*Handle
		for i := 0; i < 8; i++ {
			hs = append(hs, mustSubmit(t, b, Transaction{ID: uint64(i), Op: OpRead, Addr: uint64(i) * 0x20, Length: 1 + r.Intn(4)}))
		}
		for _, n := range r.Perm(be.Issued()) {
			be.Complete(n)
			seenPending := false
			for _, h := range hs {
				_, done, _ := b.Poll(h)
				if done && seenPending {
					t.Fatalf("round %d: transaction %d delivered out of order", round, h.ID())
				}
				seenPending = seenPending || !done
			}
		}
		for _, h := range hs {
			if _, done, err := b.Poll(h); !done || err != nil {
				t.Errorf("round %d: transaction %d not delivered: %v", round, h.ID(), err)
			}
		}
	}
}

func TestBridgeBackpressure(t *testing.T) {
	be := fakeWide(t, 8, false)
	name := "backpressure"
	b := newBridge(t, name, Config{MaxOutstanding: 2}, be)

	mustSubmit(t, b, Transaction{ID: 1, Op: OpRead, Addr: 0, Length: 1})
	mustSubmit(t, b, Transaction{ID: 2, Op: OpRead, Addr: 8, Length: 1})
	_, err := b.Submit(Transaction{ID: 3, Op: OpRead, Addr: 16, Length: 1})
	if !errors.Is(err, hwerr.ErrBackendBusy) || !hwerr.Retryable(err) {
		t.Fatalf("Expected retryable ErrBackendBusy, got %v", err)
	}
	if v := testutil.ToFloat64(bridgeBusy.WithLabelValues(name)); v != 1 {
		t.Errorf("Expected busy counter 1, got %v", v)
	}
	be.Complete(0)
	mustSubmit(t, b, Transaction{ID: 3, Op: OpRead, Addr: 16, Length: 1})
	if s := b.Stats(); s.Busy != 1 || s.Submitted != 3 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestBridgeDuplicateID(t *testing.T) {
	be := fakeWide(t, 8, false)
	b := newBridge(t, "duplicate", Config{}, be)
	mustSubmit(t, b, Transaction{ID: 1, Op: OpRead, Addr: 0, Length: 1})
	if _, err := b.Submit(Transaction{ID: 1, Op: OpRead, Addr: 8, Length: 1}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Expected ErrDuplicateID, got %v", err)
	}
	be.Complete(0)
	mustSubmit(t, b, Transaction{ID: 1, Op: OpRead, Addr: 8, Length: 1})
}

func TestBridgeCancel(t *testing.T) {
	be := fakeWide(t, 8, false)
	b := newBridge(t, "cancel", Config{MaxOutstanding: 1}, be)
	h := mustSubmit(t, b, Transaction{ID: 1, Op: OpRead, Addr: 0, Length: 1})
	h.Cancel()
	if _, done, _ := b.Poll(h); done {
		t.Fatalf("Canceled transaction retired before its burst completed")
	}
	// The burst still holds the only slot.
	if _, err := b.Submit(Transaction{ID: 2, Op: OpRead, Addr: 0, Length: 1}); !errors.Is(err, hwerr.ErrBackendBusy) {
		t.Errorf("Expected ErrBackendBusy while canceled burst is outstanding, got %v", err)
	}
	be.Complete(0)
	if _, done, err := b.Poll(h); !done || !errors.Is(err, ErrCanceled) {
		t.Errorf("Expected ErrCanceled, got done=%v err=%v", done, err)
	}
	mustSubmit(t, b, Transaction{ID: 2, Op: OpRead, Addr: 0, Length: 1})
	if s := b.Stats(); s.Canceled != 1 {
		t.Errorf("Expected 1 canceled, got %d", s.Canceled)
	}
}

func TestBridgeBackendError(t *testing.T) {
	be := fakeWide(t, 8, false)
	b := newBridge(t, "backend_error", Config{MaxBurstBeats: 1}, be)
	boom := errors.New("slave error")

	h := mustSubmit(t, b, Transaction{ID: 1, Op: OpRead, Addr: 0, Length: 4})
	be.Complete(0)
	be.Fail(1, boom)
	if _, done, err := b.Poll(h); !done || !errors.Is(err, boom) {
		t.Errorf("Expected backend error, got done=%v err=%v", done, err)
	}

	be.fail = boom
	h = mustSubmit(t, b, Transaction{ID: 2, Op: OpRead, Addr: 0, Length: 1})
	if _, done, err := b.Poll(h); !done || !errors.Is(err, boom) {
		t.Errorf("Expected issue error, got done=%v err=%v", done, err)
	}
	if s := b.Stats(); s.InFlight != 0 {
		t.Errorf("Failed transactions still in flight: %+v", s)
	}
}

func TestSubmitWithRetry(t *testing.T) {
	be := fakeWide(t, 8, false)
	b := newBridge(t, "retry", Config{MaxOutstanding: 1}, be)
	mustSubmit(t, b, Transaction{ID: 1, Op: OpRead, Addr: 0, Length: 1})

	go func() {
		time.Sleep(5 * time.Millisecond)
		be.Complete(0)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := SubmitWithRetry(ctx, b, Transaction{ID: 2, Op: OpRead, Addr: 8, Length: 1}, backoff.NewConstantBackOff(time.Millisecond))
	if err != nil {
		t.Fatalf("SubmitWithRetry: %v", err)
	}
	if h.ID() != 2 {
		t.Errorf("Expected handle for 2, got %d", h.ID())
	}

	// Non-retryable errors come back on the first attempt.
	_, err = SubmitWithRetry(ctx, b, Transaction{ID: 2, Op: OpRead, Addr: 8, Length: 1}, &backoff.StopBackOff{})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}
}

func TestTransferGivesUpOnContext(t *testing.T) {
	be := fakeWide(t, 8, false)
	b := newBridge(t, "transfer", Config{MaxOutstanding: 1}, be)
	mustSubmit(t, b, Transaction{ID: 1, Op: OpRead, Addr: 0, Length: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Transfer(ctx, b, Transaction{ID: 2, Op: OpRead, Addr: 8, Length: 1}, backoff.NewConstantBackOff(time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
