// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package stats

import (
	"testing"
	"time"
)

func TestCounters(t *testing.T) {
	d := New()
	d.AddRecord(4)
	d.AddRecord(4)
	d.AddWrite(30)
	d.AddIoctl()
	d.AddError()

	s := d.Snapshot()
	if s.Records != 2 || s.BytesRead != 8 || s.WriteJobs != 1 || s.BytesWritten != 30 || s.Ioctls != 1 || s.Errors != 1 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestRates(t *testing.T) {
	d := New()
	start := d.lastTick
	d.AddRecord(1000)
	d.AddWrite(500)
	d.tick(start.Add(2 * time.Second))

	s := d.Snapshot()
	if s.ReadRate != 500 || s.WriteRate != 250 {
		t.Fatalf("got read=%v write=%v, want 500 and 250", s.ReadRate, s.WriteRate)
	}
}

func TestNil(t *testing.T) {
	var d *Device
	d.AddRecord(1)
	d.AddWrite(1)
	if s := d.Snapshot(); s != (Snapshot{}) {
		t.Fatalf("nil snapshot: %+v", s)
	}
}
