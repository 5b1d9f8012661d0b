// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package version

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sys/unix"
)

var (
	Release    = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)

type Command struct {
	flags struct {
		json bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "version"
	c.ShortUsage = "linux-device version [flags]"
	c.ShortHelp = "print version and device access information"

	c.FlagSet = flag.NewFlagSet("", flag.ContinueOnError)
	c.FlagSet.BoolVar(&c.flags.json, "json", false, "output in JSON format")

	c.Exec = c.entrypoint
	return &c.Command
}

func cstr(b []byte) string {
	end := bytes.IndexByte(b, 0)
	if end != -1 {
		return string(b[:end])
	}
	return string(b)
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	fmt.Printf("%s\n", Full(c.flags.json))
	return nil
}

type Info struct {
	Release       string `json:"release"`
	CommitHash    string `json:"commitHash"`
	BuildTime     string `json:"buildTime"`
	GoVersion     string `json:"goVersion"`
	KernelName    string `json:"kernelName"`
	KernelVersion string `json:"kernelVersion"`
	KernelArch    string `json:"kernelArch"`
	UID           int    `json:"uid"`
	GID           int    `json:"gid"`
	Groups        []int  `json:"groups"`
	EffectiveCaps string `json:"effectiveCaps"`
}

func Collect() Info {
	info := Info{
		Release:       Release,
		CommitHash:    CommitHash,
		BuildTime:     BuildTime,
		GoVersion:     runtime.Version(),
		KernelName:    "Unknown",
		KernelVersion: "unknown",
		KernelArch:    "unknown",
		UID:           os.Geteuid(),
		GID:           os.Getegid(),
		EffectiveCaps: GetEffectiveCaps(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
	}

	var buf unix.Utsname
	if err := unix.Uname(&buf); err == nil {
		info.KernelName = cstr(buf.Sysname[:])
		info.KernelVersion = cstr(buf.Release[:])
		info.KernelArch = cstr(buf.Machine[:])
	}

	// Device nodes are usually group owned (dialout, input, plugdev).
	if groups, err := os.Getgroups(); err == nil {
		info.Groups = groups
	}
	return info
}

func Full(isJSON bool) string {
	info := Collect()

	b := new(bytes.Buffer)
	if isJSON {
		enc := json.NewEncoder(b)
		enc.SetIndent("", "  ")
		enc.Encode(info)
		return string(bytes.TrimSpace(b.Bytes()))
	}

	fmt.Fprintf(b, "linux-device %s\n", info.Release)
	fmt.Fprintf(b, "  commit %s built at %s with %s\n", info.CommitHash, info.BuildTime, info.GoVersion)
	fmt.Fprintf(b, "  kernel %s %s on %s\n", info.KernelName, info.KernelVersion, info.KernelArch)
	fmt.Fprintf(b, "  running on %s/%s with uid %d gid %d groups %v\n", runtime.GOOS, runtime.GOARCH, info.UID, info.GID, info.Groups)
	fmt.Fprintf(b, "  effective caps %s", info.EffectiveCaps)
	return b.String()
}
