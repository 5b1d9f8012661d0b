// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRecordFrame(t *testing.T) {
	in := Record{Handle: "6f1c", Seq: 300, Data: []byte{0, 1, 2, 0xff}}
	b := AppendRecord(nil, in)

	// Unknown trailing fields are skipped.
	b = protowire.AppendTag(b, 9, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	out, err := ParseRecord(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRecordFrameMalformed(t *testing.T) {
	b := AppendRecord(nil, Record{Handle: "h", Seq: 1, Data: []byte("abc")})
	_, err := ParseRecord(b[:len(b)-1])
	assert.ErrorIs(t, err, errMalformed)

	_, err = ParseRecord(AppendRecord(nil, Record{}))
	assert.ErrorIs(t, err, errMalformed)
}
