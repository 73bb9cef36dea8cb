// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package gpio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type gpiohandle_request struct {
	lineoffsets    [64]uint32
	flags          uint32
	default_values [64]uint8
	consumer_label [32]byte
	lines          uint32
	fd             uint32
}

type gpiohandle_data struct {
	values [64]uint8
}

type gpioevent_request struct {
	lineoffset     uint32
	handleflags    uint32
	eventflags     uint32
	consumer_label [32]byte
	fd             uint32
}

type gpioevent_data struct {
	Timestamp uint64
	Id        uint32
	// Linux wants this structure to be aligned with 16 bytes
	_ uint32
}

const (
	GPIO_GET_LINEHANDLE_IOCTL        = 0xc16cb403
	GPIO_GET_LINEEVENT_IOCTL         = 0xc030b404
	GPIOHANDLE_SET_LINE_VALUES_IOCTL = 0xc040b409
	GPIOHANDLE_GET_LINE_VALUES_IOCTL = 0xc040b408

	GPIOHANDLE_REQUEST_INPUT  = (1 << 0)
	GPIOHANDLE_REQUEST_OUTPUT = (1 << 1)

	GPIOEVENT_REQUEST_RISING_EDGE  = (1 << 0)
	GPIOEVENT_REQUEST_FALLING_EDGE = (1 << 1)
	GPIOEVENT_REQUEST_BOTH_EDGES   = GPIOEVENT_REQUEST_RISING_EDGE | GPIOEVENT_REQUEST_FALLING_EDGE

	GPIOEVENT_EVENT_RISING_EDGE  = 1
	GPIOEVENT_EVENT_FALLING_EDGE = 2

	consumer = "avalanche"
)

type gpioLnx struct {
	f *os.File
}

type gpioLnxLine struct {
	f *os.File
	n int
}

type gpioLnxEvent struct {
	f *os.File
}

// Open opens a GPIO character device such as /dev/gpiochip0.
func Open(p Platform, path string) (*System, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	return NewSystem(p, &gpioLnx{f}), nil
}

func ioctl(f *os.File, req uintptr, arg unsafe.Pointer) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	return errno
}

func (g *gpioLnx) requestLineHandle(lines []uint32, out []bool) (lineImpl, error) {
	rinfo := gpiohandle_request{}
	for i, l := range lines {
		rinfo.lineoffsets[i] = l
	}
	rinfo.lines = uint32(len(lines))
	for i, l := range out {
		if l {
			rinfo.default_values[i] = 1
		}
	}
	rinfo.flags = GPIOHANDLE_REQUEST_INPUT
	copy(rinfo.consumer_label[:], []byte(consumer))
	if len(out) > 0 {
		rinfo.flags = GPIOHANDLE_REQUEST_OUTPUT
	}
	if errno := ioctl(g.f, GPIO_GET_LINEHANDLE_IOCTL, unsafe.Pointer(&rinfo)); errno != 0 {
		return nil, fmt.Errorf("GPIO_GET_LINEHANDLE_IOCTL: errno %v", errno)
	}
	return &gpioLnxLine{os.NewFile(uintptr(rinfo.fd), "gpio"), len(lines)}, nil
}

func getLineValues(f *os.File) ([]bool, error) {
	hinfo := gpiohandle_data{}
	if errno := ioctl(f, GPIOHANDLE_GET_LINE_VALUES_IOCTL, unsafe.Pointer(&hinfo)); errno != 0 {
		return nil, fmt.Errorf("GPIOHANDLE_GET_LINE_VALUES_IOCTL: errno %v", errno)
	}
	b := make([]bool, len(hinfo.values))
	for i, v := range hinfo.values {
		if v != 0 {
			b[i] = true
		}
	}
	return b, nil
}

func setLineValues(f *os.File, out []bool) error {
	hinfo := gpiohandle_data{}
	for i, v := range out {
		if v {
			hinfo.values[i] = 1
		}
	}
	if errno := ioctl(f, GPIOHANDLE_SET_LINE_VALUES_IOCTL, unsafe.Pointer(&hinfo)); errno != 0 {
		return fmt.Errorf("GPIOHANDLE_SET_LINE_VALUES_IOCTL: errno %v", errno)
	}
	return nil
}

func (l *gpioLnxLine) setValues(out []bool) error {
	return setLineValues(l.f, out)
}

func (l *gpioLnxLine) getValues() ([]bool, error) {
	b, err := getLineValues(l.f)
	if err != nil {
		return nil, err
	}
	return b[:l.n], nil
}

func (g *gpioLnx) getLineEvent(line uint32) (eventImpl, error) {
	req := gpioevent_request{}
	req.lineoffset = line
	req.handleflags = uint32(GPIOHANDLE_REQUEST_INPUT)
	req.eventflags = uint32(GPIOEVENT_REQUEST_BOTH_EDGES)
	copy(req.consumer_label[:], []byte(consumer))
	if errno := ioctl(g.f, GPIO_GET_LINEEVENT_IOCTL, unsafe.Pointer(&req)); errno != 0 {
		return nil, fmt.Errorf("GPIO_GET_LINEEVENT_IOCTL: errno %v", errno)
	}
	return &gpioLnxEvent{os.NewFile(uintptr(req.fd), "gpio-line-event")}, nil
}

func (l *gpioLnxEvent) getValue() (bool, error) {
	b, err := getLineValues(l.f)
	if err != nil {
		return false, err
	}
	return b[0], nil
}

func (l *gpioLnxEvent) read() (*int, error) {
	e := gpioevent_data{}
	err := binary.Read(l.f, binary.LittleEndian, &e)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readEvent: %v", err)
	}

	v := GPIO_EVENT_UNKNOWN
	switch e.Id {
	case GPIOEVENT_EVENT_FALLING_EDGE:
		v = GPIO_EVENT_FALLING_EDGE
	case GPIOEVENT_EVENT_RISING_EDGE:
		v = GPIO_EVENT_RISING_EDGE
	}
	return &v, nil
}
