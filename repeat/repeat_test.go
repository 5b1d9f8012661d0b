// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package repeat

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	payload := []byte{0x05, 0x00, 0x01, 0xff}
	b, err := Encode(Header{Repetitions: 3, Interval: 300 * time.Millisecond}, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x69, 0x72, 0x03, 0x01, 0x2c, 0x69, 0x72, 0x05, 0x00, 0x01, 0xff}
	if !bytes.Equal(b, want) {
		t.Fatalf("got % x, want % x", b, want)
	}

	h, got, ok := Decode(b)
	if !ok {
		t.Fatalf("header not detected")
	}
	if h.Repetitions != 3 || h.Interval != 300*time.Millisecond {
		t.Fatalf("got %+v", h)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload: got % x, want % x", got, payload)
	}
}

func TestDecodeNoHeader(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		[]byte("ir"),
		[]byte("irXXXXXpayload"),
		{0x69, 0x72, 1, 0, 0, 0x69},
	} {
		h, payload, ok := Decode(b)
		if ok {
			t.Fatalf("%q: unexpected header %+v", b, h)
		}
		if !bytes.Equal(payload, b) {
			t.Fatalf("%q: payload changed", b)
		}
	}
}

func TestEncodeRange(t *testing.T) {
	if _, err := Encode(Header{Repetitions: 256}, nil); err == nil {
		t.Fatalf("repetitions 256 accepted")
	}
	if _, err := Encode(Header{Interval: 66 * time.Second}, nil); err == nil {
		t.Fatalf("interval 66s accepted")
	}
}

func TestCount(t *testing.T) {
	if got := (Header{}).Count(); got != 1 {
		t.Fatalf("zero header count = %d, want 1", got)
	}
	if got := (Header{Repetitions: 4}).Count(); got != 4 {
		t.Fatalf("count = %d, want 4", got)
	}
}
