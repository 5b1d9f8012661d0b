// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package filter

import (
	"testing"
)

func TestFilter(t *testing.T) {
	tests := []struct {
		expr   string
		action Action
		record string
		seq    uint64
		keep   bool
	}{
		{`size >= 4`, ActionInclude, "abcd", 0, true},
		{`size >= 4`, ActionInclude, "abc", 0, false},
		{`size >= 4`, ActionExclude, "abc", 0, true},
		{`record == b'ping'`, ActionInclude, "ping", 0, true},
		{`record.startsWith(b'\x69\x72')`, ActionInclude, "ir..", 0, true},
		{`record.endsWith(b'\n')`, ActionExclude, "line\n", 0, false},
		{`record.contains(b'OK')`, ActionInclude, "+OK\r\n", 0, true},
		{`seq % 2u == 0u`, ActionInclude, "x", 3, false},
		{`path.startsWith("/dev/tty")`, ActionInclude, "x", 0, true},
	}

	for _, tt := range tests {
		f, err := NewFilter(tt.expr, tt.action)
		if err != nil {
			t.Fatalf("%s: new filter: %v", tt.expr, err)
		}
		keep, err := f.Keep("/dev/ttyUSB0", []byte(tt.record), tt.seq)
		if err != nil {
			t.Fatalf("%s: keep: %v", tt.expr, err)
		}
		if keep != tt.keep {
			t.Errorf("%s (%s) on %q: got %v, want %v", tt.expr, tt.action, tt.record, keep, tt.keep)
		}
	}
}

func TestFilterInvalid(t *testing.T) {
	for _, expr := range []string{
		`size`,
		`record +`,
		`unknown == 1`,
	} {
		if _, err := NewFilter(expr, ActionInclude); err == nil {
			t.Errorf("%s: expected error", expr)
		}
	}
	if _, err := NewFilter(`true`, "drop"); err == nil {
		t.Errorf("expected invalid action error")
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction(""); err != nil || a != ActionInclude {
		t.Errorf("empty action: got %q, %v", a, err)
	}
	if _, err := ParseAction("drop"); err == nil {
		t.Errorf("expected error")
	}
}
