// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package read

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/athombv/linux-device/bridge"
	"github.com/athombv/linux-device/device"
	"github.com/athombv/linux-device/filter"
	"github.com/athombv/linux-device/logging"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

type Command struct {
	flags struct {
		size    int
		min     int
		format  string
		count   int
		filter  string
		rawTTY  bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "read"
	c.ShortUsage = "linux-device read [flags] <path>"
	c.ShortHelp = "stream records from a device to stdout"
	c.LongHelp = `
Reads records of up to -size bytes from a device and prints them. A record
is emitted as soon as at least -min bytes have been read.

Examples:
  # Dump input events (24 bytes each on 64-bit kernels)
  linux-device read -size 24 -format hex /dev/input/event0

  # Print the first 10 lines-ish from a serial port in raw mode
  linux-device read -size 64 -min 1 -raw-tty -count 10 /dev/ttyUSB0
`

	c.FlagSet = flag.NewFlagSet("read", flag.ContinueOnError)
	c.FlagSet.IntVar(&c.flags.size, "size", 64, "record size in bytes")
	c.FlagSet.IntVar(&c.flags.min, "min", 0, "minimum record size in bytes (defaults to -size)")
	c.FlagSet.StringVar(&c.flags.format, "format", "raw", "output format: raw, hex or dump")
	c.FlagSet.IntVar(&c.flags.count, "count", 0, "stop after this many records (0 means no limit)")
	c.FlagSet.StringVar(&c.flags.filter, "filter", "", "only print records matching this CEL expression")
	c.FlagSet.BoolVar(&c.flags.rawTTY, "raw-tty", false, "put terminals into raw mode")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")
	c.FlagSet.BoolVar(&logging.JSON, "log-json", false, "log in JSON format")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("LINUX_DEVICE")}
	c.Exec = c.entrypoint
	return &c.Command
}

type encoder func(w io.Writer, b []byte) error

func newEncoder(format string) (encoder, error) {
	switch format {
	case "raw":
		return func(w io.Writer, b []byte) error {
			_, err := w.Write(b)
			return err
		}, nil
	case "hex":
		return func(w io.Writer, b []byte) error {
			_, err := fmt.Fprintf(w, "%s\n", hex.EncodeToString(b))
			return err
		}, nil
	case "dump":
		return func(w io.Writer, b []byte) error {
			_, err := io.WriteString(w, hex.Dump(b))
			return err
		}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	if len(args) != 1 {
		return fmt.Errorf("expected exactly one device path, got %d arguments", len(args))
	}

	enc, err := newEncoder(c.flags.format)
	if err != nil {
		return err
	}

	var f *filter.Filter
	if c.flags.filter != "" {
		if f, err = filter.NewFilter(c.flags.filter, filter.ActionInclude); err != nil {
			return fmt.Errorf("parse filter: %w", err)
		}
	}

	return c.run(ctx, args[0], enc, f, os.Stdout)
}

func (c *Command) run(ctx context.Context, path string, enc encoder, f *filter.Filter, out io.Writer) error {
	b := bridge.New()
	reg := device.NewRegistry()
	stop := reg.NotifySignals(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := device.Open(path, device.Options{
		Mode:          device.ReadOnly,
		RecordSize:    c.flags.size,
		MinRecordSize: c.flags.min,
		RawTTY:        c.flags.rawTTY,
		AutoAck:       true,
		Bridge:        b,
		Registry:      reg,
	})
	if err != nil {
		return err
	}
	go func() {
		<-d.Done()
		b.Close()
	}()

	var runErr error
	count := 0
	err = d.StartReading(func(r *device.Record) {
		if f != nil {
			keep, err := f.Keep(path, r.Bytes(), r.Seq())
			if err != nil {
				slog.Warn("filter failed", "seq", r.Seq(), "err", err)
				return
			}
			if !keep {
				return
			}
		}
		if err := enc(out, r.Bytes()); err != nil {
			runErr = fmt.Errorf("write output: %w", err)
			d.Close(nil)
			return
		}
		count++
		if c.flags.count > 0 && count >= c.flags.count {
			d.Close(nil)
		}
	}, func(err error) {
		runErr = err
	})
	if err != nil {
		d.Close(nil)
		return err
	}

	slog.Debug("reading", "path", path, "size", c.flags.size)
	if err := b.Run(ctx); err != nil {
		d.Close(nil)
		return err
	}
	slog.Debug("done reading", "records", count)
	return runErr
}
