// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package console implements the RUNTIME> command console of the board.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/u-root/avalanche/pkg/board"
	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/memtest"
)

var log = logger.LogContainer.GetSimpleLogger()

const (
	Prompt = "RUNTIME>"
	// maxLine matches the input buffer of the firmware console.
	maxLine = 64
	// maxWords limits mr and mw repeat counts.
	maxWords = 1024
)

type Board interface {
	memtest.Memory
	Reboot()
	Status() board.Status
}

type Console struct {
	b  Board
	rw io.ReadWriter

	// MemtestBase and MemtestSize select the region sdram_test checks.
	MemtestBase uint64
	MemtestSize uint64
}

func New(b Board, rw io.ReadWriter) *Console {
	return &Console{
		b:           b,
		rw:          rw,
		MemtestBase: 0x40000000,
		MemtestSize: 0x200000,
	}
}

type command struct {
	usage string
	help  string
	run   func(c *Console, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":       {"help", "this command", (*Console).help},
		"reboot":     {"reboot", "reboot CPU", (*Console).reboot},
		"sdram_test": {"sdram_test", "test SDRAM from CPU", (*Console).sdramTest},
		"status":     {"status", "show reset domains and signals", (*Console).status},
		"mr":         {"mr <address> [count]", "read memory words", (*Console).memRead},
		"mw":         {"mw <address> <value> [count]", "write memory words", (*Console).memWrite},
	}
}

// Run serves commands until the input ends or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		s := bufio.NewScanner(c.rw)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- s.Err()
	}()

	fmt.Fprintf(c.rw, "\n%s runtime console\n\n", board.Ident)
	c.help(ctx, nil)
	for {
		fmt.Fprint(c.rw, Prompt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case l := <-lines:
			c.Exec(ctx, l)
		}
	}
}

// Exec runs a single command line.
func (c *Console) Exec(ctx context.Context, line string) {
	line = strings.TrimRight(line, "\r")
	if len(line) > maxLine-1 {
		line = line[:maxLine-1]
	}
	f := strings.Fields(line)
	if len(f) == 0 {
		return
	}
	cmd, ok := commands[f[0]]
	if !ok {
		fmt.Fprintln(c.rw, "Command not found")
		return
	}
	log.Debugw("Console command", "line", line)
	if err := cmd.run(c, ctx, f[1:]); err != nil {
		fmt.Fprintf(c.rw, "%s: %v\n", f[0], err)
	}
}

func (c *Console) help(ctx context.Context, _ []string) error {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintln(c.rw, "Available commands:")
	for _, n := range names {
		fmt.Fprintf(c.rw, "%-32s- %s\n", commands[n].usage, commands[n].help)
	}
	fmt.Fprintln(c.rw)
	return nil
}

func (c *Console) reboot(ctx context.Context, _ []string) error {
	c.b.Reboot()
	return nil
}

func (c *Console) sdramTest(ctx context.Context, _ []string) error {
	r, err := memtest.Run(ctx, c.b, c.MemtestBase, c.MemtestSize)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.rw, r)
	return nil
}

func (c *Console) status(ctx context.Context, _ []string) error {
	s := c.b.Status()
	fmt.Fprintf(c.rw, "%s, step %d\n", s.Ident, s.Step)
	for _, d := range sortedKeys(s.Domains) {
		fmt.Fprintf(c.rw, "  %-20s %s\n", d, s.Domains[d])
	}
	for _, n := range sortedKeys(s.Signals) {
		fmt.Fprintf(c.rw, "  %-20s %d\n", n, b2i(s.Signals[n]))
	}
	for _, n := range sortedKeys(s.LEDs) {
		fmt.Fprintf(c.rw, "  %-20s %d\n", n, b2i(s.LEDs[n]))
	}
	fmt.Fprintf(c.rw, "  bridge: %d submitted, %d retired, %d busy\n", s.Bridge.Submitted, s.Bridge.Retired, s.Bridge.Busy)
	fmt.Fprintf(c.rw, "  cache:  %d hits, %d misses, %d evictions\n", s.Cache.Hits, s.Cache.Misses, s.Cache.Evictions)
	return nil
}

func (c *Console) memRead(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s", commands["mr"].usage)
	}
	addr, err := parse(args[0])
	if err != nil {
		return err
	}
	count := uint64(1)
	if len(args) == 2 {
		if count, err = parseCount(args[1]); err != nil {
			return err
		}
	}
	for i := uint64(0); i < count; i++ {
		v, err := c.b.Read(ctx, addr+4*i)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.rw, "0x%08x: 0x%08x\n", addr+4*i, v)
	}
	return nil
}

func (c *Console) memWrite(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: %s", commands["mw"].usage)
	}
	addr, err := parse(args[0])
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("incorrect value %q", args[1])
	}
	count := uint64(1)
	if len(args) == 3 {
		if count, err = parseCount(args[2]); err != nil {
			return err
		}
	}
	for i := uint64(0); i < count; i++ {
		if err := c.b.Write(ctx, addr+4*i, uint32(v)); err != nil {
			return err
		}
	}
	return nil
}

func parse(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("incorrect address %q", s)
	}
	return v, nil
}

func parseCount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v == 0 || v > maxWords {
		return 0, fmt.Errorf("incorrect count %q", s)
	}
	return v, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	r := make([]string, 0, len(m))
	for k := range m {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}
