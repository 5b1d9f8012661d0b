// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/athombv/linux-device/bridge"
	"github.com/athombv/linux-device/pool"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type chunk struct {
	data []byte
	err  error
	eof  bool
}

// fakeFile feeds reads from a channel of chunks and records writes.
type fakeFile struct {
	feed chan chunk
	wake chan struct{}

	mu         sync.Mutex
	pending    []byte
	pendingErr error
	eof        bool
	written    bytes.Buffer
	writeSizes []int
	limits     []int
	writeErrs  map[int]error

	// If gate is not nil every Write signals entered and then waits for
	// gate to be closed.
	gate    chan struct{}
	entered chan struct{}

	reads  atomic.Int32
	syncs  atomic.Int32
	closes atomic.Int32
}

func newFakeFile() *fakeFile {
	return &fakeFile{
		feed:      make(chan chunk, 256),
		wake:      make(chan struct{}, 1),
		writeErrs: make(map[int]error),
		entered:   make(chan struct{}, 16),
	}
}

func (f *fakeFile) send(data string) {
	f.feed <- chunk{data: []byte(data)}
}

func (f *fakeFile) Fd() int { return 1 << 20 }

func (f *fakeFile) buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) + len(f.feed)
}

func (f *fakeFile) WaitReadable(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	ready := len(f.pending) > 0 || f.pendingErr != nil || f.eof
	f.mu.Unlock()
	if ready {
		return true, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c := <-f.feed:
		f.mu.Lock()
		f.pending = append(f.pending, c.data...)
		f.pendingErr = c.err
		f.eof = c.eof
		f.mu.Unlock()
		return true, nil
	case <-f.wake:
		return false, nil
	case <-t.C:
		return false, nil
	}
}

func (f *fakeFile) Read(p []byte) (int, error) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		switch {
		case f.pendingErr != nil:
			err := f.pendingErr
			f.pendingErr = nil
			return -1, err
		case f.eof:
			return 0, nil
		}
		return -1, unix.EAGAIN
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeFile) Write(p []byte) (int, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.writeSizes)
	if err, ok := f.writeErrs[call]; ok {
		f.writeSizes = append(f.writeSizes, 0)
		return -1, err
	}
	n := len(p)
	if call < len(f.limits) {
		n = min(n, f.limits[call])
	}
	f.written.Write(p[:n])
	f.writeSizes = append(f.writeSizes, n)
	return n, nil
}

func (f *fakeFile) WaitWritable(timeout time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeFile) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fakeFile) Sync() error {
	f.syncs.Add(1)
	return nil
}

func (f *fakeFile) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeFile) snapshot() (written []byte, sizes []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.written.Bytes()), append([]int(nil), f.writeSizes...)
}

// newTestDevice wraps f in a Device whose bridge is run on a background
// goroutine for the duration of the test.
func newTestDevice(t *testing.T, f *fakeFile, opts Options) *Device {
	t.Helper()

	b := bridge.New()
	p := opts.Pool
	owned := p == nil
	if owned {
		p = pool.New(2, 8)
	}
	opts.Bridge = b
	opts.Pool = p
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 50 * time.Millisecond
	}
	require.NoError(t, opts.validate())

	d := newDevice("/dev/fake", f, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(func() {
		d.Close(nil)
		select {
		case <-d.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("device not released")
		}
		if owned {
			p.Close()
		}
		b.Close()
		cancel()
	})
	return d
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(T))
		panic("unreachable")
	}
}

func none[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %T: %v", v, v)
	case <-time.After(wait):
	}
}
