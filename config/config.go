// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/u-root/avalanche/pkg/board"
	"github.com/u-root/avalanche/pkg/cache"
	"github.com/u-root/avalanche/pkg/fabric"
	"github.com/u-root/avalanche/pkg/hardware/dram"
	"github.com/u-root/avalanche/pkg/hardware/polarfire"
	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/reset"
	"gopkg.in/yaml.v3"
)

var log = logger.LogContainer.GetSimpleLogger()

// Set with -ldflags "-X github.com/u-root/avalanche/config.gitVersion=..."
var (
	gitVersion = "dev"
	gitHash    = "unknown"
)

type Version struct {
	Version string
	GitHash string
}

type Domain struct {
	StableSteps int `yaml:"stable_steps"`
	SyncSteps   int `yaml:"sync_steps"`
}

type Fabric struct {
	LockSteps      int `yaml:"lock_steps"`
	InitSteps      int `yaml:"init_steps"`
	Bank0Steps     int `yaml:"bank0_steps"`
	Bank1Steps     int `yaml:"bank1_steps"`
	AutoCalibSteps int `yaml:"autocalib_steps"`
}

type DRAM struct {
	LockSteps  int  `yaml:"lock_steps"`
	CalibSteps int  `yaml:"calib_steps"`
	Latency    int  `yaml:"latency"`
	Reorder    bool `yaml:"reorder"`
	Width      int  `yaml:"width"`
}

type Bridge struct {
	NarrowWidth    int `yaml:"narrow_width"`
	MaxBurstBeats  int `yaml:"max_burst_beats"`
	BoundaryBytes  int `yaml:"boundary_bytes"`
	MaxOutstanding int `yaml:"max_outstanding"`
}

type Cache struct {
	Lines    int `yaml:"lines"`
	LineSize int `yaml:"line_size"`
}

type Console struct {
	// Device is a serial port. Empty means standard input and output.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type Image struct {
	// Path is loaded into main RAM once the sys domain is active.
	Path string `yaml:"path"`
	Base uint64 `yaml:"base"`
}

type Config struct {
	Version Version `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	StepPeriod   time.Duration  `yaml:"step_period"`
	HeartbeatBit uint           `yaml:"heartbeat_bit"`
	CCC          Domain         `yaml:"ccc"`
	Sys          Domain         `yaml:"sys"`
	Fabric       Fabric         `yaml:"fabric"`
	DRAM         DRAM           `yaml:"dram"`
	Bridge       Bridge         `yaml:"bridge"`
	Cache        Cache          `yaml:"cache"`
	MemoryMap    []board.Region `yaml:"memory_map"`

	// GPIOChip is the character device with the board lines. Empty runs
	// against simulated lines.
	GPIOChip    string  `yaml:"gpio_chip"`
	GRPCAddr    string  `yaml:"grpc_addr"`
	MetricsAddr string  `yaml:"metrics_addr"`
	Console     Console `yaml:"console"`
	Image       Image   `yaml:"image"`
}

var DefaultConfig = &Config{
	Version: Version{
		Version: gitVersion,
		GitHash: gitHash,
	},

	LogLevel: "info",

	StepPeriod:   time.Millisecond,
	HeartbeatBit: 8,
	CCC:          Domain{StableSteps: 1, SyncSteps: 2},
	Sys:          Domain{StableSteps: 1, SyncSteps: 2},
	Fabric: Fabric{
		LockSteps:      4,
		InitSteps:      2,
		Bank0Steps:     3,
		Bank1Steps:     3,
		AutoCalibSteps: 5,
	},
	DRAM: DRAM{
		LockSteps:  dram.DefaultConfig.LockSteps,
		CalibSteps: dram.DefaultConfig.CalibSteps,
		Width:      dram.DefaultConfig.Width,
	},
	Bridge: Bridge{
		NarrowWidth:    fabric.DefaultConfig.NarrowWidth,
		MaxBurstBeats:  fabric.DefaultConfig.MaxBurstBeats,
		BoundaryBytes:  fabric.DefaultConfig.BoundaryBytes,
		MaxOutstanding: fabric.DefaultConfig.MaxOutstanding,
	},
	Cache: Cache{
		Lines:    cache.DefaultConfig.Lines,
		LineSize: cache.DefaultConfig.LineSize,
	},
	MemoryMap: board.DefaultMemoryMap,

	GRPCAddr:    "[::1]:8080",
	MetricsAddr: "[::1]:9100",
	Console: Console{
		Baud: 115200,
	},
	Image: Image{
		Base: 0x40000000,
	},
}

// Load reads the YAML file at path on top of DefaultConfig. Unknown keys
// are an error. A missing file yields the defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	c := *DefaultConfig
	c.MemoryMap = append([]board.Region(nil), DefaultConfig.MemoryMap...)

	b, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warnw("Configuration file not found, using defaults", "path", path)
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.StepPeriod <= 0 {
		return fmt.Errorf("step_period must be positive, got %v", c.StepPeriod)
	}
	if c.HeartbeatBit > 63 {
		return fmt.Errorf("heartbeat_bit %d out of range", c.HeartbeatBit)
	}
	if c.Console.Device != "" && c.Console.Baud <= 0 {
		return fmt.Errorf("console baud rate %d", c.Console.Baud)
	}
	return nil
}

// Board returns the board configuration.
func (c *Config) Board() board.Config {
	return board.Config{
		CRG: board.CRGConfig{
			CCC: reset.Options{StableSteps: c.CCC.StableSteps, SyncSteps: c.CCC.SyncSteps},
			Sys: reset.Options{StableSteps: c.Sys.StableSteps, SyncSteps: c.Sys.SyncSteps},
		},
		Fabric: polarfire.Config{
			LockSteps: c.Fabric.LockSteps,
			Monitor: polarfire.MonitorConfig{
				InitSteps:      c.Fabric.InitSteps,
				Bank0Steps:     c.Fabric.Bank0Steps,
				Bank1Steps:     c.Fabric.Bank1Steps,
				AutoCalibSteps: c.Fabric.AutoCalibSteps,
			},
		},
		DRAM: dram.Config{
			LockSteps:  c.DRAM.LockSteps,
			CalibSteps: c.DRAM.CalibSteps,
			Latency:    c.DRAM.Latency,
			Reorder:    c.DRAM.Reorder,
			Width:      c.DRAM.Width,
		},
		Bridge: fabric.Config{
			NarrowWidth:    c.Bridge.NarrowWidth,
			MaxBurstBeats:  c.Bridge.MaxBurstBeats,
			BoundaryBytes:  c.Bridge.BoundaryBytes,
			MaxOutstanding: c.Bridge.MaxOutstanding,
		},
		Cache: cache.Config{
			Lines:    c.Cache.Lines,
			LineSize: c.Cache.LineSize,
		},
		MemoryMap:    c.MemoryMap,
		HeartbeatBit: c.HeartbeatBit,
	}
}
