// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"bytes"
	"testing"
	"time"

	"github.com/athombv/linux-device/pool"
	"github.com/athombv/linux-device/repeat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type result struct {
	n   int
	err error
}

func collect(ch chan<- result) func(int, error) {
	return func(n int, err error) { ch <- result{n, err} }
}

func TestWriteRepetitions(t *testing.T) {
	f := newFakeFile()
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1})

	results := make(chan result, 1)
	start := time.Now()
	require.NoError(t, d.Write([]byte("ping"), WriteOptions{Repetitions: 3, Interval: 10 * time.Millisecond}, collect(results)))

	r := recv(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, 12, r.n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	written, _ := f.snapshot()
	assert.Equal(t, "pingpingping", string(written))
}

func TestShortWrites(t *testing.T) {
	f := newFakeFile()
	f.limits = []int{3, 4, 3}
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1})

	buf := []byte("0123456789")
	results := make(chan result, 1)
	require.NoError(t, d.Write(buf, WriteOptions{}, collect(results)))

	r := recv(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, 10, r.n)

	written, sizes := f.snapshot()
	assert.Equal(t, buf, written)
	assert.Equal(t, []int{3, 4, 3}, sizes)
}

func TestWriteCopiesBuffer(t *testing.T) {
	f := newFakeFile()
	f.gate = make(chan struct{})
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1})

	buf := []byte("abc")
	results := make(chan result, 1)
	require.NoError(t, d.Write(buf, WriteOptions{}, collect(results)))
	recv(t, f.entered)
	copy(buf, "xyz")
	close(f.gate)

	require.NoError(t, recv(t, results).err)
	written, _ := f.snapshot()
	assert.Equal(t, "abc", string(written))
}

func TestWriteOrder(t *testing.T) {
	f := newFakeFile()
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1})

	const jobs = 50
	order := make(chan int, jobs)
	var want bytes.Buffer
	for i := 0; i < jobs; i++ {
		b := []byte{byte(i)}
		want.Write(b)
		require.NoError(t, d.Write(b, WriteOptions{}, func(n int, err error) {
			assert.NoError(t, err)
			order <- i
		}))
	}
	for i := 0; i < jobs; i++ {
		assert.Equal(t, i, recv(t, order))
	}
	written, _ := f.snapshot()
	assert.Equal(t, want.Bytes(), written)
}

func TestWriteError(t *testing.T) {
	f := newFakeFile()
	f.writeErrs[0] = unix.EIO
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1})

	results := make(chan result, 2)
	require.NoError(t, d.Write([]byte("bad"), WriteOptions{Repetitions: 2}, collect(results)))
	require.NoError(t, d.Write([]byte("good"), WriteOptions{}, collect(results)))

	r := recv(t, results)
	assert.ErrorIs(t, r.err, ErrWriteFailed)
	assert.ErrorIs(t, r.err, unix.EIO)
	assert.Zero(t, r.n)

	// A failed job does not close the device or affect later jobs.
	r = recv(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, 4, r.n)
	assert.False(t, d.IsClosed())
}

func TestWriteRetries(t *testing.T) {
	f := newFakeFile()
	f.writeErrs[0] = unix.EAGAIN
	f.writeErrs[1] = unix.EINTR
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1})

	results := make(chan result, 1)
	require.NoError(t, d.Write([]byte("data"), WriteOptions{}, collect(results)))
	r := recv(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, 4, r.n)
}

func TestWriteSync(t *testing.T) {
	f := newFakeFile()
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1, Sync: true})

	results := make(chan result, 1)
	require.NoError(t, d.Write([]byte("x"), WriteOptions{Repetitions: 4}, collect(results)))
	require.NoError(t, recv(t, results).err)
	assert.EqualValues(t, 4, f.syncs.Load())
}

func TestWriteFramed(t *testing.T) {
	f := newFakeFile()
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1})

	framed, err := repeat.Encode(repeat.Header{Repetitions: 2, Interval: 5 * time.Millisecond}, []byte("hi"))
	require.NoError(t, err)

	results := make(chan result, 2)
	require.NoError(t, d.WriteFramed(framed, collect(results)))
	require.NoError(t, d.WriteFramed([]byte("plain"), collect(results)))

	assert.Equal(t, 4, recv(t, results).n)
	assert.Equal(t, 5, recv(t, results).n)
	written, _ := f.snapshot()
	assert.Equal(t, "hihiplain", string(written))
}

func TestWriteSyncErrors(t *testing.T) {
	f := newFakeFile()
	ro := newTestDevice(t, f, Options{Mode: ReadOnly, RecordSize: 1})
	assert.ErrorIs(t, ro.Write([]byte("x"), WriteOptions{}, nil), ErrNotWritable)

	rw := newTestDevice(t, newFakeFile(), Options{Mode: ReadWrite, RecordSize: 1})
	assert.ErrorIs(t, rw.Write([]byte("x"), WriteOptions{Repetitions: -1}, nil), ErrInvalidOptions)
	assert.ErrorIs(t, rw.Write([]byte("x"), WriteOptions{Interval: -time.Second}, nil), ErrInvalidOptions)

	rw.Close(nil)
	assert.ErrorIs(t, rw.Write([]byte("x"), WriteOptions{}, nil), ErrAlreadyClosed)

	closedRO := newTestDevice(t, newFakeFile(), Options{RecordSize: 1})
	closedRO.Close(nil)
	assert.ErrorIs(t, closedRO.Write([]byte("x"), WriteOptions{}, nil), ErrAlreadyClosed)

	_, sizes := f.snapshot()
	assert.Empty(t, sizes)
}

func TestCloseDuringInterval(t *testing.T) {
	f := newFakeFile()
	d := newTestDevice(t, f, Options{Mode: ReadWrite, RecordSize: 1})

	results := make(chan result, 1)
	require.NoError(t, d.Write([]byte("x"), WriteOptions{Repetitions: 5, Interval: time.Hour}, collect(results)))
	require.Eventually(t, func() bool {
		_, sizes := f.snapshot()
		return len(sizes) == 1
	}, 5*time.Second, time.Millisecond)

	closed := make(chan struct{})
	d.Close(func() { close(closed) })

	r := recv(t, results)
	assert.ErrorIs(t, r.err, ErrAlreadyClosed)
	assert.Equal(t, 1, r.n)
	recv(t, closed)
}

func TestIntervalReleasesWorker(t *testing.T) {
	p := pool.New(1, 4)
	t.Cleanup(p.Close)

	slow := newFakeFile()
	sd := newTestDevice(t, slow, Options{Mode: ReadWrite, RecordSize: 1, Pool: p})
	fast := newFakeFile()
	other := newTestDevice(t, fast, Options{Mode: ReadWrite, RecordSize: 1, Pool: p})

	require.NoError(t, sd.Write([]byte("s"), WriteOptions{Repetitions: 2, Interval: time.Hour}, nil))
	require.Eventually(t, func() bool {
		_, sizes := slow.snapshot()
		return len(sizes) == 1
	}, 5*time.Second, time.Millisecond)

	results := make(chan result, 1)
	require.NoError(t, other.Write([]byte("f"), WriteOptions{}, collect(results)))
	r := recv(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.n)
}
