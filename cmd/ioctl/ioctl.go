// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package ioctl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/athombv/linux-device/device"
	"github.com/athombv/linux-device/ioctl"
	"github.com/athombv/linux-device/logging"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

type Command struct {
	flags struct {
		dir     string
		typ     string
		nr      uint
		raw     string
		payload string
		size    int
		mode    string
		json    bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "ioctl"
	c.ShortUsage = "linux-device ioctl [flags] <path>"
	c.ShortHelp = "issue an ioctl on a device"
	c.LongHelp = `
Issues a single ioctl request and prints the return value and the payload as
left by the driver. The request is either built from -dir, -type and -nr
(the payload length becomes the size field) or given verbatim with -raw.

Examples:
  # TCGETS2 on a serial port
  linux-device ioctl -dir read -type T -nr 0x2a -size 44 /dev/ttyUSB0

  # The same request, pre-encoded
  linux-device ioctl -raw 0x802c542a -size 44 /dev/ttyUSB0

  # HIDIOCGRAWINFO
  linux-device ioctl -dir read -type H -nr 3 -size 8 /dev/hidraw0
`

	c.FlagSet = flag.NewFlagSet("ioctl", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.dir, "dir", "none", "transfer direction: none, read, write or rw")
	c.FlagSet.StringVar(&c.flags.typ, "type", "", "request type as a number or a single character")
	c.FlagSet.UintVar(&c.flags.nr, "nr", 0, "request number")
	c.FlagSet.StringVar(&c.flags.raw, "raw", "", "pre-encoded request, overrides -dir, -type and -nr")
	c.FlagSet.StringVar(&c.flags.payload, "payload", "", "hex encoded payload")
	c.FlagSet.IntVar(&c.flags.size, "size", 0, "zero filled payload size when -payload is not given")
	c.FlagSet.StringVar(&c.flags.mode, "mode", "r", "open mode: r or rw")
	c.FlagSet.BoolVar(&c.flags.json, "json", false, "output in JSON format")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("LINUX_DEVICE")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	if len(args) != 1 {
		return fmt.Errorf("expected exactly one device path, got %d arguments", len(args))
	}
	return c.run(args[0], os.Stdout)
}

// parseType accepts "T", "0x54" and "84" alike.
func parseType(s string) (uint32, error) {
	if len(s) == 1 && (s[0] < '0' || s[0] > '9') {
		return uint32(s[0]), nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("parse type %q: %w", s, err)
	}
	return uint32(v), nil
}

func (c *Command) payload() ([]byte, error) {
	if c.flags.payload != "" {
		b, err := hex.DecodeString(c.flags.payload)
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return b, nil
	}
	if c.flags.size < 0 {
		return nil, fmt.Errorf("negative payload size")
	}
	return make([]byte, c.flags.size), nil
}

func (c *Command) run(path string, out io.Writer) error {
	mode, err := device.ParseMode(c.flags.mode)
	if err != nil {
		return err
	}
	payload, err := c.payload()
	if err != nil {
		return err
	}

	call := func(d *device.Device) (int, error) {
		if c.flags.raw != "" {
			cmd, err := strconv.ParseUint(c.flags.raw, 0, 32)
			if err != nil {
				return -1, fmt.Errorf("parse raw request %q: %w", c.flags.raw, err)
			}
			return d.IoctlRaw(uintptr(cmd), payload)
		}

		dir, err := ioctl.ParseDirection(c.flags.dir)
		if err != nil {
			return -1, err
		}
		typ, err := parseType(c.flags.typ)
		if err != nil {
			return -1, err
		}
		return d.Ioctl(dir, typ, uint32(c.flags.nr), payload)
	}

	d, err := device.Open(path, device.Options{Mode: mode, RecordSize: 1})
	if err != nil {
		return err
	}
	defer d.Close(nil)

	ret, err := call(d)
	if err != nil {
		return err
	}

	if c.flags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"ret":     ret,
			"payload": hex.EncodeToString(payload),
		})
	}
	if len(payload) == 0 {
		_, err = fmt.Fprintf(out, "%d\n", ret)
	} else {
		_, err = fmt.Fprintf(out, "%d %s\n", ret, hex.EncodeToString(payload))
	}
	return err
}
