// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"github.com/athombv/linux-device/ioctl"
)

// Ioctl encodes a request from its parts, using len(payload) as the size
// field, and issues it. The kernel may write into payload. Invalid parts
// fail with ioctl.ErrInvalidEncoding before any system call.
func (d *Device) Ioctl(dir ioctl.Direction, typ, nr uint32, payload []byte) (int, error) {
	cmd, err := ioctl.Encode(dir, typ, nr, len(payload))
	if err != nil {
		return -1, err
	}
	return d.IoctlRaw(uintptr(cmd), payload)
}

// IoctlRaw issues cmd as given.
func (d *Device) IoctlRaw(cmd uintptr, payload []byte) (int, error) {
	if !d.fd.IncRef() {
		return -1, ErrAlreadyClosed
	}
	defer d.fd.DecRef()

	d.stats.AddIoctl()
	ret, err := ioctl.DoRaw(d.fd.FD(), cmd, payload)
	if err != nil {
		d.stats.AddError()
		d.log.Debug("ioctl failed", "cmd", ioctl.Command(cmd), "err", err)
		return ret, err
	}
	return ret, nil
}
