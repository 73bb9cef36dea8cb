// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board composes the Avalanche PolarFire LiteX SoC: the clock/reset
// generator, the PolarFire fabric blocks, the DDR3 controller behind the
// AXI bridge and the L2 cache, and the system memory map.
package board

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/u-root/avalanche/pkg/cache"
	"github.com/u-root/avalanche/pkg/fabric"
	"github.com/u-root/avalanche/pkg/hardware/dram"
	"github.com/u-root/avalanche/pkg/hardware/polarfire"
	"github.com/u-root/avalanche/pkg/hwerr"
	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/reset"
)

var log = logger.LogContainer.GetSimpleLogger()

const Ident = "Avalanche PolarFire LiteX SoC"

var (
	// ErrDomainHeld is returned for bus accesses while the sys domain is
	// in reset.
	ErrDomainHeld = errors.New("sys domain held in reset")
	ErrReadOnly   = errors.New("region is read-only")
)

// Output lines driven by the board.
const (
	USER_LED0 = "USER_LED0"
	USER_LED2 = "USER_LED2"
	MUX_SEL0  = "MUX_SEL0"
	MUX_SEL1  = "MUX_SEL1"
	MUX_SEL2  = "MUX_SEL2"
)

// Registers in the csr region. Each block takes 0x800 bytes.
const (
	CSRReset     = 0x0
	CSRScratch   = 0x4
	CSRBusErrors = 0x8
	// The SPI master and I2C blocks are not modelled. Their registers
	// read as zero and ignore writes like any other unused offset.
	CSRSPI = 20 * 0x800
	CSRI2C = 21 * 0x800
	// CSRGPIOOut drives MUX_SEL0 to MUX_SEL2 with bits 0 to 2.
	CSRGPIOOut = 22 * 0x800

	scratchDefault = 0x12345678
)

var muxLines = []string{MUX_SEL0, MUX_SEL1, MUX_SEL2}

type Config struct {
	CRG       CRGConfig
	Fabric    polarfire.Config
	DRAM      dram.Config
	Bridge    fabric.Config
	Cache     cache.Config
	MemoryMap []Region
	// HeartbeatBit selects the step counter bit shown on USER_LED0.
	HeartbeatBit uint
	// ROM is copied to the start of the rom region.
	ROM []byte
}

var DefaultConfig = Config{
	CRG: CRGConfig{
		CCC: reset.Options{StableSteps: 1, SyncSteps: 2},
		Sys: reset.Options{StableSteps: 1, SyncSteps: 2},
	},
	Fabric: polarfire.Config{
		LockSteps: 4,
		Monitor: polarfire.MonitorConfig{
			InitSteps:      2,
			Bank0Steps:     3,
			Bank1Steps:     3,
			AutoCalibSteps: 5,
		},
	},
	DRAM:         dram.DefaultConfig,
	Bridge:       fabric.DefaultConfig,
	Cache:        cache.DefaultConfig,
	MemoryMap:    DefaultMemoryMap,
	HeartbeatBit: 8,
}

// Indicator drives status outputs such as LEDs.
type Indicator interface {
	Set(line string, v bool) error
}

// Source provides readiness inputs of the clock/reset generator.
type Source interface {
	Sample() (map[string]bool, error)
}

type Status struct {
	Ident   string
	Step    uint64
	Domains map[string]string
	Signals map[string]bool
	LEDs    map[string]bool
	Bridge  fabric.Stats
	Cache   cache.Stats
}

type Board struct {
	cfg     Config
	crg     *CRG
	fabric  *polarfire.Fabric
	dram    *dram.Controller
	bridge  *fabric.Bridge
	cache   *cache.Cache
	mmap    *MemoryMap
	leds    Indicator
	sources []Source

	m       sync.Mutex
	step    uint64
	led     map[string]bool
	lastErr string

	mem       sync.Mutex
	rom       []byte
	sram      []byte
	scratch   uint32
	busErrors uint32
	gpioOut   uint32
}

// New builds a board. leds may be nil. The simulated fabric is always
// sampled first, so sources can override its outputs with real lines.
func New(cfg Config, leds Indicator, sources ...Source) (*Board, error) {
	mmap, err := NewMemoryMap(cfg.MemoryMap)
	if err != nil {
		return nil, err
	}
	ram, _ := mmap.Region(MainRAM)

	dcfg := cfg.DRAM
	if dcfg.Size == 0 {
		dcfg.Size = ram.Size
	}
	if dcfg.Size != ram.Size {
		return nil, hwerr.Configf("board", "DRAM size %#x does not match %s size %#x", dcfg.Size, MainRAM, ram.Size)
	}
	bcfg := cfg.Bridge
	if bcfg.AddressSpace == 0 {
		bcfg.AddressSpace = ram.Size
	}
	if bcfg.WideWidth == 0 {
		bcfg.WideWidth = dcfg.Width
	}
	if bcfg.WideWidth != dcfg.Width {
		return nil, hwerr.Configf("board", "bridge width %d does not match DRAM width %d", bcfg.WideWidth, dcfg.Width)
	}
	if len(cfg.ROM) > 0 {
		if r, ok := mmap.Region(ROM); !ok || uint64(len(cfg.ROM)) > r.Size {
			return nil, hwerr.Configf("board", "ROM image of %d bytes does not fit", len(cfg.ROM))
		}
	}

	fab, err := polarfire.NewFabric(cfg.Fabric)
	if err != nil {
		return nil, err
	}
	ctrl, err := dram.New("ddr3", dcfg)
	if err != nil {
		return nil, err
	}
	bridge, err := fabric.NewBridge("axi", bcfg, ctrl)
	if err != nil {
		return nil, err
	}
	l2, err := cache.New("l2", cfg.Cache, bridge)
	if err != nil {
		return nil, err
	}
	crg, err := NewCRG(cfg.CRG)
	if err != nil {
		l2.Close()
		return nil, err
	}

	b := &Board{
		cfg:     cfg,
		crg:     crg,
		fabric:  fab,
		dram:    ctrl,
		bridge:  bridge,
		cache:   l2,
		mmap:    mmap,
		leds:    leds,
		sources: append([]Source{fab}, sources...),
		led:     map[string]bool{},
		scratch: scratchDefault,
	}
	if r, ok := mmap.Region(ROM); ok {
		b.rom = make([]byte, r.Size)
		copy(b.rom, cfg.ROM)
	}
	if r, ok := mmap.Region(SRAM); ok {
		b.sram = make([]byte, r.Size)
	}

	// The DDR3 controller sits in the ccc domain.
	crg.CCC.Active().Watch(ctrl.SetReset)
	crg.Sys.OnTransition(func(t reset.Transition) {
		if t.To == reset.Held && t.From == reset.Active {
			l2.Invalidate()
			b.resetCSR()
		}
	})
	return b, nil
}

func (b *Board) CRG() *CRG {
	return b.crg
}

func (b *Board) Fabric() *polarfire.Fabric {
	return b.fabric
}

func (b *Board) DRAM() *dram.Controller {
	return b.dram
}

func (b *Board) Bridge() *fabric.Bridge {
	return b.bridge
}

func (b *Board) Cache() *cache.Cache {
	return b.cache
}

func (b *Board) MemoryMap() *MemoryMap {
	return b.mmap
}

// Active reports whether the sys domain is out of reset.
func (b *Board) Active() bool {
	return b.crg.Sys.State() == reset.Active
}

// Step advances the board by one time step. Sampling errors are returned
// after the step completed with the inputs that could be read.
func (b *Board) Step() error {
	b.m.Lock()
	defer b.m.Unlock()
	b.step++

	b.fabric.Step()
	b.dram.Step()

	var errs []string
	inputs := map[string]bool{}
	for _, s := range b.sources {
		v, err := s.Sample()
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		for k, x := range v {
			inputs[k] = x
		}
	}
	inputs[CTRLR_READY] = b.dram.CtrlrReady()
	inputs[DDR_PLL_LOCK] = b.dram.PLLLock()
	b.crg.Apply(inputs)
	b.crg.Step()

	b.setLED(USER_LED0, b.step&(1<<b.cfg.HeartbeatBit) != 0)
	// Active low.
	b.setLED(USER_LED2, !b.dram.CtrlrReady())

	if len(errs) == 0 {
		b.lastErr = ""
		return nil
	}
	err := fmt.Errorf("sampling readiness: %v", errs)
	if err.Error() != b.lastErr {
		log.Warnw("Readiness source failed", "step", b.step, "error", err)
		b.lastErr = err.Error()
	}
	return err
}

// setLED must be called with m held.
func (b *Board) setLED(line string, v bool) {
	if old, ok := b.led[line]; ok && old == v {
		return
	}
	b.led[line] = v
	if b.leds == nil {
		return
	}
	if err := b.leds.Set(line, v); err != nil {
		log.Warnw("Failed to set LED", "line", line, "error", err)
	}
}

// Reboot resets the sys domain from software, like writing the LiteX
// ctrl_reset register.
func (b *Board) Reboot() {
	log.Infow("Rebooting sys domain")
	b.crg.Sys.ForceReset()
}

func (b *Board) resetCSR() {
	b.mem.Lock()
	b.scratch = scratchDefault
	b.busErrors = 0
	b.gpioOut = 0
	b.mem.Unlock()
	b.setMux(0)
}

func (b *Board) setMux(v uint32) {
	if b.leds == nil {
		return
	}
	for i, l := range muxLines {
		if err := b.leds.Set(l, v&(1<<i) != 0); err != nil {
			log.Warnw("Failed to set mux select", "line", l, "error", err)
		}
	}
}

func (b *Board) decode(addr uint64) (Region, uint64, error) {
	if addr%4 != 0 {
		return Region{}, 0, fmt.Errorf("address %#x: %w", addr, cache.ErrMisaligned)
	}
	if !b.Active() {
		return Region{}, 0, ErrDomainHeld
	}
	r, off, err := b.mmap.Decode(addr, 4)
	if err != nil {
		b.mem.Lock()
		b.busErrors++
		b.mem.Unlock()
		return Region{}, 0, err
	}
	return r, off, nil
}

// Read reads the 32-bit word at the system address addr.
func (b *Board) Read(ctx context.Context, addr uint64) (uint32, error) {
	r, off, err := b.decode(addr)
	if err != nil {
		return 0, err
	}
	switch r.Name {
	case MainRAM:
		return b.cache.Read(ctx, off)
	case CSR:
		return b.readCSR(off), nil
	}
	b.mem.Lock()
	defer b.mem.Unlock()
	switch r.Name {
	case ROM:
		return binary.LittleEndian.Uint32(b.rom[off:]), nil
	case SRAM:
		return binary.LittleEndian.Uint32(b.sram[off:]), nil
	}
	return 0, nil
}

// Write writes the 32-bit word v at the system address addr.
func (b *Board) Write(ctx context.Context, addr uint64, v uint32) error {
	r, off, err := b.decode(addr)
	if err != nil {
		return err
	}
	switch r.Name {
	case MainRAM:
		return b.cache.Write(ctx, off, v)
	case CSR:
		b.writeCSR(off, v)
		return nil
	case ROM:
		return fmt.Errorf("write to %#x: %w", addr, ErrReadOnly)
	}
	b.mem.Lock()
	defer b.mem.Unlock()
	if r.Name == SRAM {
		binary.LittleEndian.PutUint32(b.sram[off:], v)
	}
	return nil
}

func (b *Board) readCSR(off uint64) uint32 {
	b.mem.Lock()
	defer b.mem.Unlock()
	switch off {
	case CSRScratch:
		return b.scratch
	case CSRBusErrors:
		return b.busErrors
	case CSRGPIOOut:
		return b.gpioOut
	}
	return 0
}

func (b *Board) writeCSR(off uint64, v uint32) {
	switch off {
	case CSRReset:
		if v&1 != 0 {
			b.Reboot()
		}
	case CSRScratch:
		b.mem.Lock()
		b.scratch = v
		b.mem.Unlock()
	case CSRGPIOOut:
		v &= 1<<len(muxLines) - 1
		b.mem.Lock()
		b.gpioOut = v
		b.mem.Unlock()
		b.setMux(v)
	}
}

// Flush writes every dirty cache line back to the DRAM controller and
// drops the cache contents, so later reads are served by the controller.
func (b *Board) Flush(ctx context.Context) error {
	if !b.Active() {
		return ErrDomainHeld
	}
	if err := b.cache.Flush(ctx); err != nil {
		return err
	}
	b.cache.Invalidate()
	return nil
}

func (b *Board) Status() Status {
	b.m.Lock()
	s := Status{
		Ident:   Ident,
		Step:    b.step,
		LEDs:    make(map[string]bool, len(b.led)),
		Signals: b.crg.Snapshot(),
		Bridge:  b.bridge.Stats(),
		Cache:   b.cache.Stats(),
	}
	for k, v := range b.led {
		s.LEDs[k] = v
	}
	b.m.Unlock()

	s.Domains = map[string]string{
		b.crg.CCC.Name(): b.crg.CCC.State().String(),
		b.crg.Sys.Name(): b.crg.Sys.State().String(),
	}
	return s
}

// Missing lists the inputs the sys domain is still waiting for, including
// those of the ccc domain.
func (b *Board) Missing() []string {
	seen := map[string]bool{}
	for _, s := range []*reset.Sequencer{b.crg.CCC, b.crg.Sys} {
		for _, n := range s.Aggregator().Missing() {
			seen[n] = true
		}
		if !s.Lock().Value() {
			seen[s.Lock().Name()] = true
		}
	}
	r := make([]string, 0, len(seen))
	for n := range seen {
		r = append(r, n)
	}
	sort.Strings(r)
	return r
}

func (b *Board) Close() error {
	return b.cache.Close()
}
