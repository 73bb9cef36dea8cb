// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package gpio

import (
	"fmt"
	"runtime"
)

func Open(p Platform, path string) (*System, error) {
	return nil, fmt.Errorf("GPIO character devices are not supported on %s", runtime.GOOS)
}
