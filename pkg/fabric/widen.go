// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fabric

// span is the byte range of a transaction and its beat aligned cover.
type span struct {
	start, end               uint64
	alignedStart, alignedEnd uint64
}

func (c *Config) span(t Transaction) span {
	w := uint64(c.WideWidth)
	s := span{
		start: t.Addr,
		end:   t.Addr + uint64(t.Length*c.NarrowWidth),
	}
	s.alignedStart = s.start &^ (w - 1)
	s.alignedEnd = (s.end + w - 1) &^ (w - 1)
	return s
}

// plan splits the aligned span into bursts of at most MaxBurstBeats that
// never cross BoundaryBytes. Burst IDs are left for the bridge to assign.
func (c *Config) plan(t Transaction, s span) []Burst {
	w := uint64(c.WideWidth)
	boundary := uint64(c.BoundaryBytes)
	var bursts []Burst
	for cur := s.alignedStart; cur < s.alignedEnd; {
		beats := (s.alignedEnd - cur) / w
		if limit := uint64(c.MaxBurstBeats); beats > limit {
			beats = limit
		}
		if toBoundary := ((cur/boundary)+1)*boundary - cur; beats*w > toBoundary {
			beats = toBoundary / w
		}
		b := Burst{Op: t.Op, Addr: cur, Beats: int(beats)}
		if t.Op == OpWrite {
			fillWrite(&b, w, t.Data, s)
		}
		bursts = append(bursts, b)
		cur += beats * w
	}
	return bursts
}

// fillWrite copies the payload bytes that fall into b and sets the strobe
// bit of every lane they occupy. Padding lanes stay zero.
func fillWrite(b *Burst, w uint64, payload []byte, s span) {
	b.Data = make([]byte, uint64(b.Beats)*w)
	b.Strobe = make([]uint64, b.Beats)
	for i := range b.Data {
		a := b.Addr + uint64(i)
		if a < s.start || a >= s.end {
			continue
		}
		b.Data[i] = payload[a-s.start]
		b.Strobe[uint64(i)/w] |= 1 << (uint64(i) % w)
	}
}
