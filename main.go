// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/athombv/linux-device/cmd/ioctl"
	"github.com/athombv/linux-device/cmd/read"
	"github.com/athombv/linux-device/cmd/serve"
	"github.com/athombv/linux-device/cmd/version"
	"github.com/athombv/linux-device/cmd/write"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := new(ffcli.Command)
	c.Name = filepath.Base(os.Args[0])
	c.ShortUsage = "linux-device <command>"

	c.Subcommands = append(c.Subcommands, read.NewCommand())
	c.Subcommands = append(c.Subcommands, write.NewCommand())
	c.Subcommands = append(c.Subcommands, ioctl.NewCommand())
	c.Subcommands = append(c.Subcommands, serve.NewCommand())
	c.Subcommands = append(c.Subcommands, version.NewCommand())

	c.FlagSet = flag.NewFlagSet("linux-device", flag.ContinueOnError)
	c.FlagSet.SetOutput(os.Stdout)
	c.Exec = func(ctx context.Context, args []string) error {
		fmt.Fprintf(os.Stdout, "%s\n", c.UsageFunc(c))
		if len(args) >= 1 {
			return fmt.Errorf("unknown command %q", args[0])
		}
		return nil
	}

	switch err := c.Parse(os.Args[1:]); {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		return
	case strings.Contains(err.Error(), "flag provided but not defined"):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "linux-device: error: %v\n", err)
		os.Exit(1)
	}

	if err := c.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "linux-device: error: %v\n", err)
		os.Exit(1)
	}
}
