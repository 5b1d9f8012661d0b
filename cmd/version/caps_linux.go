// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package version

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Capabilities that gate device access and the less common ioctls.
var caps = []struct {
	bit  uint
	name string
}{
	{unix.CAP_DAC_OVERRIDE, "dac_override"},
	{unix.CAP_SYS_RAWIO, "sys_rawio"},
	{unix.CAP_SYS_ADMIN, "sys_admin"},
	{unix.CAP_SYS_TTY_CONFIG, "sys_tty_config"},
	{unix.CAP_MKNOD, "mknod"},
	{unix.CAP_NET_ADMIN, "net_admin"},
}

func GetEffectiveCaps() string {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return "unknown"
	}

	mask := (uint64(data[1].Effective) << 32) | (uint64(data[0].Effective) << 0)
	var sb strings.Builder
	fmt.Fprintf(&sb, "0x%016x", mask)
	for _, c := range caps {
		if mask&(1<<c.bit) != 0 {
			fmt.Fprintf(&sb, " +%s", c.name)
		} else {
			fmt.Fprintf(&sb, " -%s", c.name)
		}
	}
	return sb.String()
}
