// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/machinebox/progress"
	"github.com/spf13/afero"
)

// ReportInterval is how often LoadImage reports progress.
var ReportInterval = 200 * time.Millisecond

// LoadImage copies size bytes of r to base, little endian word by word, and
// flushes the cache. A trailing partial word is padded with zeros. report,
// if not nil, is called periodically with the progress so far.
func LoadImage(ctx context.Context, mem Memory, base uint64, r io.Reader, size int64, report func(progress.Progress)) (int64, error) {
	if base%wordSize != 0 {
		return 0, fmt.Errorf("image base %#x is not word aligned", base)
	}
	pr := progress.NewReader(io.LimitReader(r, size))

	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress.NewTicker(tctx, pr, size, ReportInterval) {
			if report != nil {
				report(p)
			}
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	var (
		buf [wordSize]byte
		n   int64
	)
	for addr := base; n < size; addr += wordSize {
		m, err := io.ReadFull(pr, buf[:])
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return n, fmt.Errorf("reading image: %w", err)
		}
		for i := m; i < wordSize; i++ {
			buf[i] = 0
		}
		if err := mem.Write(ctx, addr, binary.LittleEndian.Uint32(buf[:])); err != nil {
			return n, fmt.Errorf("writing %#x: %w", addr, err)
		}
		n += int64(m)
		if m < wordSize {
			break
		}
	}
	if n < size {
		return n, fmt.Errorf("image truncated at %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}
	if err := mem.Flush(ctx); err != nil {
		return n, err
	}
	log.Infow("Image loaded", "base", fmt.Sprintf("%#x", base), "bytes", n)
	return n, nil
}

// LoadFile loads the file at path from fs with LoadImage.
func LoadFile(ctx context.Context, fs afero.Fs, path string, mem Memory, base uint64, report func(progress.Progress)) (int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return LoadImage(ctx, mem, base, f, fi.Size(), report)
}
