// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// avalanche runs the Avalanche board model with its console, management
// service and metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/machinebox/progress"
	"github.com/spf13/afero"
	"github.com/u-root/avalanche/config"
	"github.com/u-root/avalanche/pkg/board"
	"github.com/u-root/avalanche/pkg/console"
	"github.com/u-root/avalanche/pkg/hardware/gpio"
	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/memtest"
	"github.com/u-root/avalanche/pkg/network/web"
	"github.com/u-root/avalanche/pkg/service/grpc"
	"github.com/u-root/avalanche/platform/avalanche"
	"golang.org/x/sync/errgroup"
)

var (
	log = logger.LogContainer.GetSimpleLogger()

	configPath = flag.String("config", "/etc/avalanche.yaml", "Configuration file")
	noConsole  = flag.Bool("no-console", false, "Do not serve the RUNTIME> console")
)

func main() {
	flag.Parse()

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, *configPath)
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}
	if err := logger.LogContainer.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("%v", err)
	}
	if cfg.LogFile != "" {
		if err := logger.LogContainer.SetOutputFile(cfg.LogFile); err != nil {
			log.Fatalf("%v", err)
		}
	}
	log.Infow("Starting avalanche", "version", cfg.Version.Version, "git", cfg.Version.GitHash)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var g *gpio.System
	if cfg.GPIOChip == "" {
		log.Infow("Using simulated GPIO lines")
		g, _ = avalanche.Simulated()
	} else if g, err = gpio.Open(avalanche.Platform{}, cfg.GPIOChip); err != nil {
		log.Fatalf("Opening %s: %v", cfg.GPIOChip, err)
	}
	lines, err := avalanche.InitializeGpio(ctx, g)
	if err != nil {
		log.Fatalf("Initializing GPIO: %v", err)
	}

	b, err := board.New(cfg.Board(), lines.Outputs, lines.Reset)
	if err != nil {
		log.Fatalf("Creating board: %v", err)
	}
	defer b.Close()
	sup := board.NewSupervisor(b, clock.New(), cfg.StepPeriod)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return sup.Run(ctx)
	})

	l, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("could not listen: %v", err)
	}
	srv := grpc.NewServer(b, g)
	eg.Go(func() error {
		return srv.Serve(l)
	})
	eg.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		return nil
	})

	w := web.NewWebserver()
	if err := w.SetServer(cfg.MetricsAddr); err != nil {
		log.Fatalf("could not listen: %v", err)
	}
	eg.Go(w.Serve)
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.Shutdown(sctx)
	})

	eg.Go(func() error {
		if err := sup.WaitActive(ctx); err != nil {
			return err
		}
		log.Infow("Board is up", "steps", b.Status().Step)
		if cfg.Image.Path != "" {
			if err := loadImage(ctx, fs, b, cfg.Image); err != nil {
				return err
			}
		}
		if *noConsole {
			return nil
		}
		rw, err := openConsole(cfg.Console.Device, cfg.Console.Baud)
		if err != nil {
			return err
		}
		defer rw.Close()
		return console.New(b, rw).Run(ctx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%v", err)
	}
	log.Infow("Stopped")
}

func loadImage(ctx context.Context, fs afero.Fs, b *board.Board, img config.Image) error {
	n, err := memtest.LoadFile(ctx, fs, img.Path, b, img.Base, func(p progress.Progress) {
		fmt.Printf("Loading %s: %d %%\r", img.Path, int(p.Percent()))
	})
	if err != nil {
		return fmt.Errorf("loading %s: %w", img.Path, err)
	}
	fmt.Printf("Loading %s: complete\n", img.Path)
	log.Infow("Loaded image", "path", img.Path, "bytes", n)
	return nil
}
