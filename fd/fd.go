// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package fd contains a reference counted container for an open device
// descriptor.
//
// Every goroutine that touches the raw descriptor (the read pump, a write
// job, an ioctl call) pins it with IncRef and unpins it with DecRef. Close
// marks the descriptor as closing and drops the owner's pin; the operating
// system descriptor is released by whichever DecRef brings the count to
// zero, never earlier. Descriptor numbers are recycled by the kernel, so
// releasing one while a read is still in flight could make that read land
// on an unrelated file.
//
// The closed flag and the counter live in the same word so that a pin
// racing with Close either succeeds before the flag is set or fails.
package fd

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

const DEBUG = false

const (
	flagClosed = 1 << 31
	maxRefs    = 1 << 24

	released = ^uint32(0)
)

// FD is a reference counted file descriptor.
type FD struct {
	fd   uint32
	refs uint32

	origFD  int // purely for logging purposes
	release func(fd int) error
	err     error
	done    chan struct{}

	_ func() // no copy
}

// New returns a FD with the reference counter initialized to 1. That
// reference belongs to the owner and is dropped by Close. release is called
// exactly once, from the final DecRef.
func New(fd int, release func(fd int) error) *FD {
	return &FD{
		fd:      uint32(fd),
		refs:    1,
		origFD:  fd,
		release: release,
		done:    make(chan struct{}),
	}
}

func (fd *FD) String() string {
	n := atomic.LoadUint32(&fd.fd)
	if n == released {
		return fmt.Sprintf("devfd_%d[released]", fd.origFD)
	}
	if fd.Closed() {
		return fmt.Sprintf("devfd_%d[closing]", n)
	}
	return fmt.Sprintf("devfd_%d", n)
}

// IncRef pins the descriptor. If fd is closing or closed, it's a no-op and
// returns false.
func (fd *FD) IncRef() bool {
	refs := atomic.AddUint32(&fd.refs, 1)
	if DEBUG {
		slog.Debug("fd incref", "fd", fd.String(), "left", refs&^uint32(flagClosed), "closed", refs&flagClosed != 0)
	}
	if refs&flagClosed != 0 {
		fd.decRef()
		return false
	}
	if refs >= maxRefs {
		panic(fmt.Sprintf("too many concurrent file descriptor references (max %d)", maxRefs))
	}
	return true
}

// FD returns the underlying operating system file descriptor number. It
// must only be called between IncRef and DecRef.
func (fd *FD) FD() int {
	val := atomic.LoadUint32(&fd.fd)
	if val == released {
		panic("file descriptor misuse outside IncRef/DecRef guards: file released")
	}
	return int(val)
}

// DecRef unpins the descriptor.
func (fd *FD) DecRef() {
	fd.decRef()
}

func (fd *FD) decRef() {
	refs := atomic.AddUint32(&fd.refs, ^uint32(0))
	left := refs &^ uint32(flagClosed)
	if DEBUG {
		slog.Debug("fd decref", "fd", fd.String(), "left", left, "closed", refs&flagClosed != 0)
	}
	if left >= maxRefs {
		panic(fmt.Sprintf("ref counter underflow: %08x", left))
	}
	if refs&flagClosed == 0 || left != 0 {
		return
	}

	// A failed IncRef on an already released FD also passes through zero,
	// so only the caller that swaps the number out does the release.
	val := atomic.SwapUint32(&fd.fd, released)
	if val == released {
		return
	}
	if fd.release != nil {
		fd.err = fd.release(int(val))
	}
	close(fd.done)
}

// Close marks fd as closing and drops the owner's reference. It returns
// false if fd was already closing.
func (fd *FD) Close() bool {
	for {
		refs := atomic.LoadUint32(&fd.refs)
		if refs&flagClosed != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&fd.refs, refs, refs|flagClosed) {
			fd.decRef()
			return true
		}
	}
}

// Closed reports whether Close has been called. It does not say whether the
// descriptor has been released yet; use Done for that.
func (fd *FD) Closed() bool {
	return atomic.LoadUint32(&fd.refs)&flagClosed != 0
}

// Refs returns the number of live pins, including the owner's.
func (fd *FD) Refs() int {
	return int(atomic.LoadUint32(&fd.refs) &^ uint32(flagClosed))
}

// Done is closed once the descriptor has been released.
func (fd *FD) Done() <-chan struct{} {
	return fd.done
}

// Err returns the error reported by the release function. It is only
// meaningful after Done is closed.
func (fd *FD) Err() error {
	select {
	case <-fd.done:
		return fd.err
	default:
		return nil
	}
}
