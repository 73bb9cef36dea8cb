// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/tarm/serial"
)

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	return nil
}

// openConsole opens the console device, or standard input and output when
// dev is empty.
func openConsole(dev string, baud int) (io.ReadWriteCloser, error) {
	if dev == "" {
		return stdio{os.Stdin, os.Stdout}, nil
	}
	c := &serial.Config{Name: dev, Baud: baud}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("serial.OpenPort: %v", err)
	}
	return s, nil
}
