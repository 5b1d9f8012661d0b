// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package device provides asynchronous access to Linux device files.
//
// A Device owns one non-blocking descriptor. Reads are performed by a
// dedicated pump goroutine that delivers fixed-size records and waits for
// the consumer to acknowledge each one before reading again. Writes are
// queued per device and executed one at a time on a shared worker pool.
// Every completion (records, read errors, write results, close
// notifications) is posted to a bridge.Bridge and therefore runs on the
// consumer's goroutine.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athombv/linux-device/bridge"
	"github.com/athombv/linux-device/fd"
	"github.com/athombv/linux-device/pool"
	"github.com/athombv/linux-device/stats"
	"github.com/eapache/queue"
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "r"
	case ReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the "r" and "rw" spellings used on the command line and
// in configuration files.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "r", "ro", "read":
		return ReadOnly, nil
	case "rw", "read-write", "readwrite":
		return ReadWrite, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, s)
	}
}

const DefaultPollTimeout = 2 * time.Second

type Options struct {
	Mode Mode

	// RecordSize is the capacity of each read record. A record is emitted
	// once at least MinRecordSize bytes have accumulated. MinRecordSize
	// defaults to RecordSize.
	RecordSize    int
	MinRecordSize int

	// PollTimeout bounds every readiness wait so that the pump and the
	// writer re-check for abort even if a wakeup is lost.
	PollTimeout time.Duration

	// AutoAck acknowledges each record as soon as the record callback
	// returns.
	AutoAck bool

	// Sync calls fsync after every write repetition.
	Sync bool

	// RawTTY switches terminals into raw mode for the lifetime of the
	// device. It has no effect on other files.
	RawTTY bool

	Bridge   *bridge.Bridge
	Pool     *pool.Pool
	Registry *Registry
	Logger   *slog.Logger
	Stats    *stats.Device
}

func (o *Options) validate() error {
	switch o.Mode {
	case ReadOnly, ReadWrite:
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidOptions, o.Mode)
	}
	if o.RecordSize < 1 {
		return fmt.Errorf("%w: record size %d must be at least 1", ErrInvalidOptions, o.RecordSize)
	}
	if o.MinRecordSize == 0 {
		o.MinRecordSize = o.RecordSize
	}
	if o.MinRecordSize < 1 || o.MinRecordSize > o.RecordSize {
		return fmt.Errorf("%w: min record size %d outside [1, %d]", ErrInvalidOptions, o.MinRecordSize, o.RecordSize)
	}
	if o.PollTimeout < 0 {
		return fmt.Errorf("%w: negative poll timeout", ErrInvalidOptions)
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	return nil
}

var (
	defaultPoolOnce sync.Once
	defaultPool     *pool.Pool
)

func sharedPool() *pool.Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = pool.New(0, 0)
	})
	return defaultPool
}

type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Device struct {
	path string
	opts Options

	f      file
	fd     *fd.FD
	abort  chan struct{}
	bridge *bridge.Bridge
	pool   *pool.Pool
	reg    *Registry
	stats  *stats.Device
	log    *slog.Logger

	reading  atomic.Bool
	ackMu    sync.Mutex
	ackCond  *sync.Cond
	awaiting bool

	wmu      sync.Mutex
	wq       *queue.Queue
	draining bool

	closeMu  sync.Mutex
	onClosed []func()
	released bool
}

// Open opens path and returns a Device in the Open state. Invalid options
// are rejected before any system call is made.
func Open(path string, opts Options) (*Device, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Registry != nil && opts.Registry.isShutdown() {
		return nil, &OpError{Op: "open", Path: path, Kind: ErrOpenFailed, Err: ErrAlreadyClosed}
	}

	f, err := openFile(path, opts.Mode, opts.RawTTY)
	if err != nil {
		return nil, &OpError{Op: "open", Path: path, Kind: ErrOpenFailed, Err: err}
	}
	d := newDevice(path, f, opts)
	if d.IsClosed() {
		return nil, &OpError{Op: "open", Path: path, Kind: ErrOpenFailed, Err: ErrAlreadyClosed}
	}
	d.log.Debug("opened device", "fd", f.Fd(), "mode", opts.Mode, "recordSize", opts.RecordSize, "minRecordSize", opts.MinRecordSize)
	return d, nil
}

// newDevice wraps an already open file. opts must have been validated. The
// device is returned already closed if the registry has shut down.
func newDevice(path string, f file, opts Options) *Device {
	d := &Device{
		path:   path,
		opts:   opts,
		f:      f,
		abort:  make(chan struct{}),
		bridge: opts.Bridge,
		pool:   opts.Pool,
		reg:    opts.Registry,
		stats:  opts.Stats,
		log:    opts.Logger,
		wq:     queue.New(),
	}
	if d.bridge == nil {
		d.bridge = bridge.New()
	}
	if d.pool == nil {
		d.pool = sharedPool()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("path", path)
	d.ackCond = sync.NewCond(&d.ackMu)
	d.fd = fd.New(f.Fd(), d.release)
	if d.reg != nil && !d.reg.add(d) {
		d.log.Debug("registry shut down, closing device")
		d.shutdown()
	}
	return d
}

func (d *Device) Path() string { return d.path }

func (d *Device) Mode() Mode { return d.opts.Mode }

func (d *Device) RecordSize() int { return d.opts.RecordSize }

func (d *Device) MinRecordSize() int { return d.opts.MinRecordSize }

// Bridge returns the bridge on which this device posts completions.
func (d *Device) Bridge() *bridge.Bridge { return d.bridge }

// Stats returns the counters attached to the device, possibly nil.
func (d *Device) Stats() *stats.Device { return d.stats }

func (d *Device) String() string {
	return fmt.Sprintf("device(%s, %s)", d.path, d.fd)
}

func (d *Device) State() State {
	select {
	case <-d.fd.Done():
		return StateClosed
	default:
	}
	if d.fd.Closed() {
		return StateClosing
	}
	return StateOpen
}

// IsClosed reports whether Close has been called or a terminal read error
// has occurred, even if operations are still draining.
func (d *Device) IsClosed() bool {
	return d.fd.Closed()
}

// Done is closed once the operating system descriptor has been released.
func (d *Device) Done() <-chan struct{} {
	return d.fd.Done()
}

// Close starts closing the device. The descriptor is released when the read
// pump and every in-flight write or ioctl has finished with it; onClosed, if
// not nil, is then posted to the bridge. Close may be called any number of
// times and every onClosed passed to it runs exactly once.
func (d *Device) Close(onClosed func()) {
	if onClosed != nil {
		d.closeMu.Lock()
		if d.released {
			d.closeMu.Unlock()
			d.post(onClosed)
		} else {
			d.onClosed = append(d.onClosed, onClosed)
			d.closeMu.Unlock()
		}
	}
	if d.shutdown() {
		d.log.Debug("closing device")
	}
}

// shutdown sets the abort flag, wakes everything waiting on the device and
// drops the owner pin. It returns false if the device was already closing.
func (d *Device) shutdown() bool {
	pinned := d.fd.IncRef()
	if !d.fd.Close() {
		if pinned {
			d.fd.DecRef()
		}
		return false
	}
	close(d.abort)

	d.ackMu.Lock()
	d.ackCond.Broadcast()
	d.ackMu.Unlock()

	if pinned {
		d.f.Wake()
		d.fd.DecRef()
	}
	return true
}

func (d *Device) release(int) error {
	err := d.f.Close()
	if err != nil {
		d.log.Warn("failed to close device", "err", err)
	}
	if d.reg != nil {
		d.reg.remove(d)
	}

	d.closeMu.Lock()
	d.released = true
	cbs := d.onClosed
	d.onClosed = nil
	d.closeMu.Unlock()

	d.log.Debug("released device", "callbacks", len(cbs))
	for _, cb := range cbs {
		d.post(cb)
	}
	return err
}

func (d *Device) post(fn func()) {
	if !d.bridge.Post(fn) {
		d.log.Debug("dropped completion: bridge closed")
	}
}
