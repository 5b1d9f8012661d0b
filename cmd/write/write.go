// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package write

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/athombv/linux-device/bridge"
	"github.com/athombv/linux-device/device"
	"github.com/athombv/linux-device/logging"
	"github.com/athombv/linux-device/repeat"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

type Command struct {
	flags struct {
		hex      bool
		stdin    bool
		repeat   int
		interval time.Duration
		framed   bool
		sync     bool
		rawTTY   bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "write"
	c.ShortUsage = "linux-device write [flags] <path> [data]"
	c.ShortHelp = "write data to a device"
	c.LongHelp = `
Writes data to a device, optionally several times with a delay in between.
The data is taken from the second argument or, with -stdin, from standard
input.

Examples:
  # Send an AT command to a modem
  linux-device write -raw-tty /dev/ttyUSB0 $'AT\r'

  # Send a hex frame 5 times, 100ms apart
  linux-device write -hex -repeat 5 -interval 100ms /dev/hidraw0 0102ff

  # Frame the payload with a repeat header instead
  linux-device write -hex -framed /dev/hidraw0 697203006469720102ff
`

	c.FlagSet = flag.NewFlagSet("write", flag.ContinueOnError)
	c.FlagSet.BoolVar(&c.flags.hex, "hex", false, "data is hex encoded")
	c.FlagSet.BoolVar(&c.flags.stdin, "stdin", false, "read data from standard input")
	c.FlagSet.IntVar(&c.flags.repeat, "repeat", 1, "number of times to write the data")
	c.FlagSet.DurationVar(&c.flags.interval, "interval", 0, "delay between repetitions")
	c.FlagSet.BoolVar(&c.flags.framed, "framed", false, "honor a repeat header at the start of the data")
	c.FlagSet.BoolVar(&c.flags.sync, "sync", false, "fsync after every repetition")
	c.FlagSet.BoolVar(&c.flags.rawTTY, "raw-tty", false, "put terminals into raw mode")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")
	c.FlagSet.BoolVar(&logging.JSON, "log-json", false, "log in JSON format")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("LINUX_DEVICE")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	var data []byte
	switch {
	case c.flags.stdin && len(args) == 1:
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case !c.flags.stdin && len(args) == 2:
		data = []byte(args[1])
	default:
		return fmt.Errorf("expected a device path and data (or -stdin), got %d arguments", len(args))
	}

	data, err := c.decode(data)
	if err != nil {
		return err
	}

	n, err := c.run(ctx, args[0], data)
	if err != nil {
		return err
	}
	slog.Info("wrote data", "path", args[0], "bytes", n)
	return nil
}

func (c *Command) decode(data []byte) ([]byte, error) {
	if !c.flags.hex {
		return data, nil
	}
	s := strings.Join(strings.Fields(string(data)), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return b, nil
}

func (c *Command) run(ctx context.Context, path string, data []byte) (int, error) {
	b := bridge.New()
	reg := device.NewRegistry()
	stop := reg.NotifySignals(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := device.Open(path, device.Options{
		Mode:       device.ReadWrite,
		RecordSize: 1,
		Sync:       c.flags.sync,
		RawTTY:     c.flags.rawTTY,
		Bridge:     b,
		Registry:   reg,
	})
	if err != nil {
		return 0, err
	}
	go func() {
		<-d.Done()
		b.Close()
	}()

	var total int
	var writeErr error
	done := func(n int, err error) {
		total, writeErr = n, err
		d.Close(nil)
	}

	if c.flags.framed {
		if h, _, ok := repeat.Decode(data); ok {
			slog.Debug("found repeat header", "repetitions", h.Count(), "interval", h.Interval)
		}
		err = d.WriteFramed(data, done)
	} else {
		err = d.Write(data, device.WriteOptions{Repetitions: c.flags.repeat, Interval: c.flags.interval}, done)
	}
	if err != nil {
		d.Close(nil)
		return 0, err
	}

	if err := b.Run(ctx); err != nil {
		d.Close(nil)
		return total, err
	}
	return total, writeErr
}
