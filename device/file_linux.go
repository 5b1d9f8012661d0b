// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// unixFile is a non-blocking descriptor paired with an eventfd so that a
// blocked poll can be interrupted by Close.
type unixFile struct {
	fd   int
	wake int
	tty  *term.State
}

func openFile(path string, mode Mode, rawTTY bool) (file, error) {
	flags := unix.O_NOCTTY | unix.O_CLOEXEC | unix.O_NONBLOCK
	switch mode {
	case ReadOnly:
		flags |= unix.O_RDONLY
	case ReadWrite:
		flags |= unix.O_RDWR
	default:
		return nil, fmt.Errorf("unknown mode %d", mode)
	}

	var fd int
	for {
		var err error
		fd, err = unix.Open(path, flags, 0)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return nil, err
	}

	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	f := &unixFile{fd: fd, wake: wake}
	if rawTTY && term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("make raw: %w", err)
		}
		f.tty = state
	}
	return f, nil
}

func (f *unixFile) Fd() int { return f.fd }

func (f *unixFile) Read(p []byte) (int, error) {
	return unix.Read(f.fd, p)
}

func (f *unixFile) Write(p []byte) (int, error) {
	return unix.Write(f.fd, p)
}

func (f *unixFile) wait(events int16, timeout time.Duration) (bool, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{
		{Fd: int32(f.fd), Events: events},
		{Fd: int32(f.wake), Events: unix.POLLIN},
	}
	n, err := unix.Poll(fds, ms)
	switch {
	case errors.Is(err, unix.EINTR):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("poll: %w", err)
	case n == 0:
		return false, nil
	}

	if fds[1].Revents != 0 {
		var buf [8]byte
		unix.Read(f.wake, buf[:])
		return false, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, unix.EBADF
	}
	// POLLERR and POLLHUP are reported as ready so that the next read or
	// write surfaces the actual error.
	return fds[0].Revents != 0, nil
}

func (f *unixFile) WaitReadable(timeout time.Duration) (bool, error) {
	return f.wait(unix.POLLIN, timeout)
}

func (f *unixFile) WaitWritable(timeout time.Duration) (bool, error) {
	return f.wait(unix.POLLOUT, timeout)
}

func (f *unixFile) Wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(f.wake, buf[:])
}

func (f *unixFile) Sync() error {
	err := unix.Fsync(f.fd)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EROFS) || errors.Is(err, unix.ENOTSUP) {
		// Character devices and pipes have nothing to sync.
		return nil
	}
	return err
}

func (f *unixFile) Close() error {
	if f.tty != nil {
		term.Restore(f.fd, f.tty)
	}
	unix.Close(f.wake)
	return unix.Close(f.fd)
}
