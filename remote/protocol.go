// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package remote exposes allow-listed devices over a websocket.
//
// Requests and replies are JSON text messages. Records read from a device
// are pushed as binary messages in protobuf wire format so that they can be
// decoded without a schema compiler on the other side:
//
//	1: handle (string)
//	2: sequence number (varint)
//	3: record bytes
package remote

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	MethodOpen     = "open"
	MethodWrite    = "write"
	MethodIoctl    = "ioctl"
	MethodIoctlRaw = "ioctl_raw"
	MethodClose    = "close"
)

const (
	EventReadError = "read_error"
	EventClosed    = "closed"
)

type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Handle string `json:"handle,omitempty"`
	Path   string `json:"path,omitempty"`
	Data   []byte `json:"data,omitempty"`

	// write
	Repetitions int  `json:"repetitions,omitempty"`
	IntervalMs  int  `json:"intervalMs,omitempty"`
	Framed      bool `json:"framed,omitempty"`

	// ioctl and ioctl_raw
	Direction string `json:"direction,omitempty"`
	Type      uint32 `json:"type,omitempty"`
	Number    uint32 `json:"number,omitempty"`
	Command   uint32 `json:"command,omitempty"`
}

// Message is either a reply to a request (ID set, Event empty) or an
// unsolicited event about a handle.
type Message struct {
	ID     uint64 `json:"id,omitempty"`
	Event  string `json:"event,omitempty"`
	Handle string `json:"handle,omitempty"`
	N      int    `json:"n,omitempty"`
	Ret    int    `json:"ret,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Record struct {
	Handle string
	Seq    uint64
	Data   []byte
}

const (
	fieldHandle protowire.Number = 1
	fieldSeq    protowire.Number = 2
	fieldData   protowire.Number = 3
)

func AppendRecord(b []byte, r Record) []byte {
	b = protowire.AppendTag(b, fieldHandle, protowire.BytesType)
	b = protowire.AppendString(b, r.Handle)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seq)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Data)
	return b
}

var errMalformed = errors.New("malformed record")

// ParseRecord decodes a binary record message. Unknown fields are skipped.
func ParseRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: tag: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldHandle && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: handle: %w", errMalformed, protowire.ParseError(n))
			}
			r.Handle, b = v, b[n:]
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: seq: %w", errMalformed, protowire.ParseError(n))
			}
			r.Seq, b = v, b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: data: %w", errMalformed, protowire.ParseError(n))
			}
			r.Data, b = append([]byte(nil), v...), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %w", errMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if r.Handle == "" {
		return Record{}, fmt.Errorf("%w: missing handle", errMalformed)
	}
	return r, nil
}
