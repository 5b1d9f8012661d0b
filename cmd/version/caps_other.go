// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package version

func GetEffectiveCaps() string {
	return "unknown"
}
