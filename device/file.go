// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// file is the set of descriptor operations a Device performs. The read pump
// and the write scheduler only ever call Read and Write respectively.
type file interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// WaitReadable and WaitWritable block for at most timeout. They return
	// false without an error on timeout, on an interrupted wait and after
	// Wake.
	WaitReadable(timeout time.Duration) (bool, error)
	WaitWritable(timeout time.Duration) (bool, error)
	Wake()

	Sync() error
	Close() error
}

// temporary reports whether err means "try again".
func temporary(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}
