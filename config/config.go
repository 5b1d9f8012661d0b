// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads the YAML file that lists the devices a server may
// open.
//
//	listen: ":7766"
//	devices:
//	  - path: /dev/ttyUSB0
//	    mode: rw
//	    recordSize: 64
//	    minRecordSize: 1
//	    rawTTY: true
//	    rules:
//	      - if: record.startsWith(b'#')
//	        then: exclude
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/athombv/linux-device/device"
	"github.com/athombv/linux-device/filter"
	"gopkg.in/yaml.v3"
)

const DefaultListen = "localhost:7766"

type Config struct {
	Listen  string         `yaml:"listen"`
	Devices []DeviceConfig `yaml:"devices"`
}

type DeviceConfig struct {
	Path          string `yaml:"path"`
	Mode          string `yaml:"mode"`
	RecordSize    int    `yaml:"recordSize"`
	MinRecordSize int    `yaml:"minRecordSize"`
	RawTTY        bool   `yaml:"rawTTY"`
	Sync          bool   `yaml:"sync"`
	Rules         []Rule `yaml:"rules"`

	mode device.Mode
}

type Rule struct {
	If   string `yaml:"if"`
	Then string `yaml:"then"`

	filter *filter.Filter
}

func (c *Config) Load(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if err = yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	slog.Debug("parsed config", "listen", c.Listen, "devices", len(c.Devices))
	return nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	seen := make(map[string]bool)
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Path == "" || !filepath.IsAbs(d.Path) {
			return fmt.Errorf("device %d: path %q is not absolute", i, d.Path)
		}
		d.Path = filepath.Clean(d.Path)
		if seen[d.Path] {
			return fmt.Errorf("device %s: listed more than once", d.Path)
		}
		seen[d.Path] = true

		if d.Mode == "" {
			d.Mode = "r"
		}
		mode, err := device.ParseMode(d.Mode)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Path, err)
		}
		d.mode = mode

		if d.RecordSize < 1 {
			return fmt.Errorf("device %s: recordSize must be at least 1", d.Path)
		}
		if d.MinRecordSize == 0 {
			d.MinRecordSize = d.RecordSize
		}
		if d.MinRecordSize < 1 || d.MinRecordSize > d.RecordSize {
			return fmt.Errorf("device %s: minRecordSize %d outside [1, %d]", d.Path, d.MinRecordSize, d.RecordSize)
		}

		for j, rule := range d.Rules {
			action, err := filter.ParseAction(rule.Then)
			if err != nil {
				return fmt.Errorf("device %s: rule %d: %w. Expected either 'include' or 'exclude'", d.Path, j, err)
			}
			f, err := filter.NewFilter(rule.If, action)
			if err != nil {
				return fmt.Errorf("device %s: rule %d: %w", d.Path, j, err)
			}
			d.Rules[j].filter = f
		}
	}
	return nil
}

// Lookup returns the entry for path, which must be listed verbatim or
// after cleaning.
func (c *Config) Lookup(path string) (*DeviceConfig, bool) {
	path = filepath.Clean(path)
	for i := range c.Devices {
		if c.Devices[i].Path == path {
			return &c.Devices[i], true
		}
	}
	return nil, false
}

// Options returns device options for this entry. Runtime fields (bridge,
// pool, logger) are left for the caller.
func (d *DeviceConfig) Options() device.Options {
	return device.Options{
		Mode:          d.mode,
		RecordSize:    d.RecordSize,
		MinRecordSize: d.MinRecordSize,
		RawTTY:        d.RawTTY,
		Sync:          d.Sync,
	}
}

// FindMatchingRule returns the first rule whose expression matches record.
func (d *DeviceConfig) FindMatchingRule(record []byte, seq uint64) (rule *Rule, found bool) {
	for i := range d.Rules {
		match, err := d.Rules[i].filter.Eval(d.Path, record, seq)
		// A rule that fails to evaluate is skipped so one bad record cannot
		// stall the stream.
		if err != nil {
			continue
		}
		if match {
			return &d.Rules[i], true
		}
	}
	return nil, false
}

// Keep reports whether record should be forwarded. Records that match no
// rule are kept.
func (d *DeviceConfig) Keep(record []byte, seq uint64) bool {
	rule, found := d.FindMatchingRule(record, seq)
	if !found {
		return true
	}
	return rule.filter.Action == filter.ActionInclude
}
