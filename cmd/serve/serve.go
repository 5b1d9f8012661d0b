// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package serve

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athombv/linux-device/config"
	"github.com/athombv/linux-device/device"
	"github.com/athombv/linux-device/logging"
	"github.com/athombv/linux-device/pool"
	"github.com/athombv/linux-device/remote"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

const shutdownTimeout = 5 * time.Second

type Command struct {
	flags struct {
		config   string
		listen   string
		workers  int
		insecure bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "serve"
	c.ShortUsage = "linux-device serve [flags]"
	c.ShortHelp = "serve allow-listed devices over a websocket"
	c.LongHelp = `
Serves the devices listed in the config file to websocket clients. Plain GET
requests return a JSON status page.
`

	c.FlagSet = flag.NewFlagSet("serve", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "path to the YAML config file")
	c.FlagSet.StringVar(&c.flags.listen, "listen", "", "listen address (overrides the config file)")
	c.FlagSet.IntVar(&c.flags.workers, "workers", 0, "number of write workers (defaults to the number of CPUs)")
	c.FlagSet.BoolVar(&c.flags.insecure, "insecure-skip-origin", false, "accept websocket connections from any origin")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")
	c.FlagSet.BoolVar(&logging.JSON, "log-json", false, "log in JSON format")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("LINUX_DEVICE")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	if len(args) != 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	cfg := new(config.Config)
	if err := cfg.Load(c.flags.config); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.flags.listen != "" {
		cfg.Listen = c.flags.listen
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.serve(ctx, cfg, ln)
}

func (c *Command) serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	p := pool.New(c.flags.workers, 0)
	defer p.Close()

	reg := device.NewRegistry()
	srv := remote.NewServer(cfg, remote.Options{
		Pool:               p,
		Registry:           reg,
		Logger:             slog.Default(),
		InsecureSkipVerify: c.flags.insecure,
	})
	hs := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}

	errs := make(chan error, 1)
	go func() {
		errs <- hs.Serve(ln)
	}()
	slog.Info("serving devices", "addr", ln.Addr().String(), "devices", len(cfg.Devices))

	select {
	case err := <-errs:
		reg.Shutdown()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down", "open", reg.Len())
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	srv.Close()
	reg.Shutdown()
	if err := hs.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("failed to shut down http server", "err", err)
	}
	if err := reg.Wait(sctx); err != nil {
		return fmt.Errorf("wait for devices: %w", err)
	}
	return nil
}
