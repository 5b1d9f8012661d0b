// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"errors"
	"fmt"
)

var (
	ErrOpenFailed     = errors.New("open failed")
	ErrAlreadyClosed  = errors.New("device closed")
	ErrAlreadyReading = errors.New("device already reading")
	ErrReadFailed     = errors.New("read failed")
	ErrWriteFailed    = errors.New("write failed")
	ErrNotWritable    = errors.New("device not opened for writing")
	ErrInvalidOptions = errors.New("invalid options")
)

// OpError describes an operating system failure. It matches both its Kind
// (one of the sentinels above) and the underlying errno with errors.Is.
type OpError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
