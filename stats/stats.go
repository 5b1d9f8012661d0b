// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package stats keeps per-device I/O counters.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Device struct {
	records      atomic.Uint64
	bytesRead    atomic.Uint64
	writeJobs    atomic.Uint64
	bytesWritten atomic.Uint64
	ioctls       atomic.Uint64
	errors       atomic.Uint64

	mu       sync.RWMutex
	lastRead uint64
	lastSent uint64
	readRate float64 // bytes per second over the last tick
	sentRate float64
	lastTick time.Time
}

func New() *Device {
	return &Device{lastTick: time.Now()}
}

// Start samples throughput once per interval until ctx is done.
func (d *Device) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				d.tick(now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *Device) tick(now time.Time) {
	read := d.bytesRead.Load()
	sent := d.bytesWritten.Load()

	d.mu.Lock()
	defer d.mu.Unlock()

	secs := now.Sub(d.lastTick).Seconds()
	if secs <= 0 {
		return
	}
	d.readRate = float64(read-d.lastRead) / secs
	d.sentRate = float64(sent-d.lastSent) / secs
	d.lastRead, d.lastSent, d.lastTick = read, sent, now
}

func (d *Device) AddRecord(n int) {
	if d == nil {
		return
	}
	d.records.Add(1)
	d.bytesRead.Add(uint64(n))
}

func (d *Device) AddWrite(n int) {
	if d == nil {
		return
	}
	d.writeJobs.Add(1)
	d.bytesWritten.Add(uint64(n))
}

func (d *Device) AddIoctl() {
	if d == nil {
		return
	}
	d.ioctls.Add(1)
}

func (d *Device) AddError() {
	if d == nil {
		return
	}
	d.errors.Add(1)
}

type Snapshot struct {
	Records      uint64  `json:"records"`
	BytesRead    uint64  `json:"bytesRead"`
	WriteJobs    uint64  `json:"writeJobs"`
	BytesWritten uint64  `json:"bytesWritten"`
	Ioctls       uint64  `json:"ioctls"`
	Errors       uint64  `json:"errors"`
	ReadRate     float64 `json:"readBytesPerSec"`
	WriteRate    float64 `json:"writeBytesPerSec"`
}

func (d *Device) Snapshot() Snapshot {
	if d == nil {
		return Snapshot{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		Records:      d.records.Load(),
		BytesRead:    d.bytesRead.Load(),
		WriteJobs:    d.writeJobs.Load(),
		BytesWritten: d.bytesWritten.Load(),
		Ioctls:       d.ioctls.Load(),
		Errors:       d.errors.Load(),
		ReadRate:     d.readRate,
		WriteRate:    d.sentRate,
	}
}
