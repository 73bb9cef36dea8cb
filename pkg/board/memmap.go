// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"
	"sort"

	"github.com/u-root/avalanche/pkg/hwerr"
)

type Region struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

func (r Region) String() string {
	return fmt.Sprintf("%-8s 0x%08x-0x%08x", r.Name, r.Base, r.Base+r.Size-1)
}

const (
	ROM     = "rom"
	SRAM    = "sram"
	MainRAM = "main_ram"
	CSR     = "csr"
)

var DefaultMemoryMap = []Region{
	{ROM, 0x00000000, 0x8000},
	{SRAM, 0x10000000, 0x8000},
	{MainRAM, 0x40000000, 0x10000000},
	{CSR, 0xe0000000, 0x10000},
}

type MemoryMap struct {
	regions []Region
}

func NewMemoryMap(regions []Region) (*MemoryMap, error) {
	rs := append([]Region(nil), regions...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Base < rs[j].Base })
	seen := map[string]bool{}
	for i, r := range rs {
		if r.Size == 0 || r.Base+r.Size < r.Base {
			return nil, hwerr.Configf("memory map", "region %s has bad size %#x", r.Name, r.Size)
		}
		if seen[r.Name] {
			return nil, hwerr.Configf("memory map", "region %s declared twice", r.Name)
		}
		seen[r.Name] = true
		if i > 0 && rs[i-1].Base+rs[i-1].Size > r.Base {
			return nil, hwerr.Configf("memory map", "%s overlaps %s", r.Name, rs[i-1].Name)
		}
	}
	for _, n := range []string{MainRAM, CSR} {
		if !seen[n] {
			return nil, hwerr.Configf("memory map", "no %s region", n)
		}
	}
	return &MemoryMap{regions: rs}, nil
}

func (m *MemoryMap) Regions() []Region {
	return append([]Region(nil), m.regions...)
}

func (m *MemoryMap) Region(name string) (Region, bool) {
	for _, r := range m.regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Decode finds the region holding [addr, addr+size) and returns the offset
// into it.
func (m *MemoryMap) Decode(addr, size uint64) (Region, uint64, error) {
	i := sort.Search(len(m.regions), func(i int) bool {
		r := m.regions[i]
		return r.Base+r.Size > addr
	})
	if i < len(m.regions) && m.regions[i].Base <= addr {
		r := m.regions[i]
		if err := hwerr.CheckRange(addr-r.Base, size, r.Size); err == nil {
			return r, addr - r.Base, nil
		}
	}
	return Region{}, 0, &hwerr.OutOfRangeError{Addr: addr, Size: size, Limit: 1 << 32}
}
