// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package device

import (
	"errors"
)

func openFile(path string, mode Mode, rawTTY bool) (file, error) {
	return nil, errors.ErrUnsupported
}
