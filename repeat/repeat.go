// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package repeat implements the in-band header that lets a plain byte
// stream carry a repetition count and interval with each write.
//
// Layout, 7 bytes followed by the payload:
//
//	'i' 'r' | repetitions u8 | interval u16 big endian (ms) | 'i' 'r'
//
// The marker appears on both sides of the parameters so that a payload that
// merely starts with "ir" is not mistaken for a header.
package repeat

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const HeaderLen = 7

var marker = [2]byte{0x69, 0x72}

type Header struct {
	Repetitions int
	Interval    time.Duration
}

// Encode prepends h to payload. Repetitions above 255 or intervals that do
// not fit in 16 bits of milliseconds are rejected.
func Encode(h Header, payload []byte) ([]byte, error) {
	if h.Repetitions < 0 || h.Repetitions > math.MaxUint8 {
		return nil, fmt.Errorf("repetitions %d out of range [0, 255]", h.Repetitions)
	}
	ms := h.Interval.Milliseconds()
	if ms < 0 || ms > math.MaxUint16 {
		return nil, fmt.Errorf("interval %v out of range [0, 65535ms]", h.Interval)
	}

	b := make([]byte, HeaderLen+len(payload))
	b[0], b[1] = marker[0], marker[1]
	b[2] = byte(h.Repetitions)
	binary.BigEndian.PutUint16(b[3:5], uint16(ms))
	b[5], b[6] = marker[0], marker[1]
	copy(b[HeaderLen:], payload)
	return b, nil
}

// Decode splits b into a header and payload. If b does not start with a
// header, ok is false and payload is b itself.
func Decode(b []byte) (h Header, payload []byte, ok bool) {
	if len(b) < HeaderLen || b[0] != marker[0] || b[1] != marker[1] || b[5] != marker[0] || b[6] != marker[1] {
		return Header{}, b, false
	}
	h.Repetitions = int(b[2])
	h.Interval = time.Duration(binary.BigEndian.Uint16(b[3:5])) * time.Millisecond
	return h, b[HeaderLen:], true
}

// Count returns the effective number of writes: a zero count means one.
func (h Header) Count() int {
	if h.Repetitions <= 0 {
		return 1
	}
	return h.Repetitions
}
