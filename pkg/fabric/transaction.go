// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fabric bridges narrow word transactions onto a wide burst
// backend, the way the SoC bus reaches the DDR3 AXI port.
package fabric

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID        = errors.New("transaction id already in flight")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrCanceled           = errors.New("transaction canceled")
)

type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Transaction is a narrow side request. Length counts narrow words and
// Data holds Length*NarrowWidth bytes for writes.
type Transaction struct {
	ID     uint64
	Op     Op
	Addr   uint64
	Length int
	Data   []byte
}

type Response struct {
	ID   uint64
	Op   Op
	Addr uint64
	// Data holds the requested bytes for reads and is nil for writes.
	Data []byte
}

// Burst is a wide side transaction. Addr is beat aligned and Strobe holds
// one byte lane mask per beat for writes.
type Burst struct {
	ID     uint64
	Op     Op
	Addr   uint64
	Beats  int
	Data   []byte
	Strobe []uint64
}

type BurstResult struct {
	ID   uint64
	Data []byte
	Err  error
}

// Backend executes bursts. done must be called exactly once per accepted
// burst and may be called before Issue returns.
type Backend interface {
	Issue(b Burst, done func(BurstResult)) error
}
