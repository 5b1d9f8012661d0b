// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package ioctl encodes and issues device control requests.
//
// Command words follow the asm-generic layout used by most Linux
// architectures [1]:
//
//	 31 30 29                16 15           8 7            0
//	+-----+--------------------+--------------+--------------+
//	| dir |        size        |     type     |    number    |
//	+-----+--------------------+--------------+--------------+
//
// Encoding is pure and validates every field against its width before any
// system call is made. Do and DoRaw run ioctl(2) synchronously on the
// calling goroutine.
//
// [1] https://github.com/torvalds/linux/blob/v6.1/include/uapi/asm-generic/ioctl.h
package ioctl

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	NumberBits    = 8
	TypeBits      = 8
	SizeBits      = 14
	DirectionBits = 2

	NumberShift    = 0
	TypeShift      = NumberShift + NumberBits
	SizeShift      = TypeShift + TypeBits
	DirectionShift = SizeShift + SizeBits

	NumberMask    = (1 << NumberBits) - 1
	TypeMask      = (1 << TypeBits) - 1
	SizeMask      = (1 << SizeBits) - 1
	DirectionMask = (1 << DirectionBits) - 1
)

// Direction is the data transfer direction from the point of view of the
// calling process: Write means userland hands data to the driver.
type Direction uint32

const (
	None      Direction = 0
	Write     Direction = 1
	Read      Direction = 2
	ReadWrite Direction = Read | Write
)

func (d Direction) String() string {
	switch d {
	case None:
		return "none"
	case Write:
		return "write"
	case Read:
		return "read"
	case ReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Direction(%d)", uint32(d))
	}
}

// ParseDirection accepts the names returned by Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "none":
		return None, nil
	case "write", "w":
		return Write, nil
	case "read", "r":
		return Read, nil
	case "rw", "readwrite", "read-write":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidEncoding, s)
}

var (
	ErrInvalidEncoding = errors.New("invalid ioctl encoding")
	ErrIoctlFailed     = errors.New("ioctl failed")
)

// Command is an encoded ioctl request number.
type Command uint32

func (c Command) Direction() Direction { return Direction((c >> DirectionShift) & DirectionMask) }
func (c Command) Type() uint32         { return uint32(c>>TypeShift) & TypeMask }
func (c Command) Number() uint32       { return uint32(c>>NumberShift) & NumberMask }
func (c Command) Size() int            { return int(uint32(c>>SizeShift) & SizeMask) }

func (c Command) String() string {
	return fmt.Sprintf("0x%08x(dir=%s type=0x%02x nr=%d size=%d)", uint32(c), c.Direction(), c.Type(), c.Number(), c.Size())
}

// Encode packs the four fields into a command word. It fails with
// ErrInvalidEncoding when any field does not fit.
func Encode(dir Direction, typ, nr uint32, size int) (Command, error) {
	switch dir {
	case None, Write, Read, ReadWrite:
	default:
		return 0, fmt.Errorf("%w: direction %d", ErrInvalidEncoding, uint32(dir))
	}
	if typ > TypeMask {
		return 0, fmt.Errorf("%w: type 0x%x exceeds %d bits", ErrInvalidEncoding, typ, TypeBits)
	}
	if nr > NumberMask {
		return 0, fmt.Errorf("%w: number %d exceeds %d bits", ErrInvalidEncoding, nr, NumberBits)
	}
	if size < 0 || size > SizeMask {
		return 0, fmt.Errorf("%w: size %d exceeds %d bits", ErrInvalidEncoding, size, SizeBits)
	}
	return Command(uint32(dir)<<DirectionShift | typ<<TypeShift | nr<<NumberShift | uint32(size)<<SizeShift), nil
}

// IO encodes a command without a payload.
func IO(typ, nr uint32) (Command, error) {
	return Encode(None, typ, nr, 0)
}

// IOR encodes a command where the driver fills size bytes.
func IOR(typ, nr uint32, size int) (Command, error) {
	return Encode(Read, typ, nr, size)
}

// IOW encodes a command where the driver consumes size bytes.
func IOW(typ, nr uint32, size int) (Command, error) {
	return Encode(Write, typ, nr, size)
}

// IOWR encodes a command with a payload in both directions.
func IOWR(typ, nr uint32, size int) (Command, error) {
	return Encode(ReadWrite, typ, nr, size)
}

// Error is returned when the kernel rejects a request.
type Error struct {
	Cmd   uintptr
	Errno unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("ioctl 0x%x: %v", e.Cmd, e.Errno)
}

func (e *Error) Unwrap() []error {
	return []error{ErrIoctlFailed, e.Errno}
}

// Do issues cmd against fd. The payload, when present, is passed by pointer
// and may be modified by the driver.
func Do(fd int, cmd Command, payload []byte) (int, error) {
	return DoRaw(fd, uintptr(cmd), payload)
}

// DoRaw issues a pre-encoded request without validating it.
func DoRaw(fd int, cmd uintptr, payload []byte) (int, error) {
	var ptr unsafe.Pointer
	if len(payload) > 0 {
		ptr = unsafe.Pointer(&payload[0])
	}
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, uintptr(ptr))
	if errno != 0 {
		return -1, &Error{Cmd: cmd, Errno: errno}
	}
	return int(r), nil
}
