// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hwerr holds the error kinds shared by the reset, fabric and cache
// components.
package hwerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("configuration error")
	// ErrOutOfRange matches every *OutOfRangeError.
	ErrOutOfRange = errors.New("address out of range")
	// ErrBackendBusy is returned when all outstanding backend slots are
	// taken. The caller is expected to retry.
	ErrBackendBusy = errors.New("backend busy")
)

// ConfigurationError reports a malformed static setup. It is only returned
// from constructors.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: invalid configuration: %s", e.Component, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Configf returns a *ConfigurationError for component.
func Configf(component, format string, args ...interface{}) error {
	return &ConfigurationError{Component: component, Reason: fmt.Sprintf(format, args...)}
}

// OutOfRangeError reports an access to [Addr, Addr+Size) outside of
// [0, Limit).
type OutOfRangeError struct {
	Addr  uint64
	Size  uint64
	Limit uint64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("access %#x+%#x outside of %#x", e.Addr, e.Size, e.Limit)
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// CheckRange returns an *OutOfRangeError unless [addr, addr+size) is inside
// [0, limit). Wrapping arithmetic counts as out of range.
func CheckRange(addr, size, limit uint64) error {
	end := addr + size
	if end < addr || end > limit {
		return &OutOfRangeError{Addr: addr, Size: size, Limit: limit}
	}
	return nil
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendBusy)
}
