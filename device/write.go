// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/athombv/linux-device/pool"
	"github.com/athombv/linux-device/repeat"
	"golang.org/x/sys/unix"
)

type WriteOptions struct {
	// Repetitions is the number of times the buffer is written. Zero means
	// once.
	Repetitions int

	// Interval is slept between repetitions, not after the last one.
	Interval time.Duration
}

type writeJob struct {
	buf      []byte
	reps     int
	interval time.Duration
	done     func(n int, err error)

	rep   int
	total int
}

// Write queues buf to be written to the device. The buffer is copied, so
// the caller may reuse it immediately. done, which may be nil, runs on the
// bridge with the total number of bytes written across all repetitions and
// the first terminal error. Writes on one device are performed one at a
// time in the order they were submitted.
func (d *Device) Write(buf []byte, opts WriteOptions, done func(n int, err error)) error {
	if d.fd.Closed() {
		return ErrAlreadyClosed
	}
	if d.opts.Mode != ReadWrite {
		return ErrNotWritable
	}
	if opts.Repetitions < 0 {
		return fmt.Errorf("%w: negative repetitions", ErrInvalidOptions)
	}
	if opts.Interval < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidOptions)
	}
	if !d.fd.IncRef() {
		return ErrAlreadyClosed
	}

	job := &writeJob{
		buf:      bytes.Clone(buf),
		reps:     max(opts.Repetitions, 1),
		interval: opts.Interval,
		done:     done,
	}

	d.wmu.Lock()
	d.wq.Add(job)
	start := !d.draining
	d.draining = true
	d.wmu.Unlock()

	if start {
		d.schedule()
	}
	return nil
}

// WriteFramed writes b, honoring a repeat header at its start if there is
// one.
func (d *Device) WriteFramed(b []byte, done func(n int, err error)) error {
	h, payload, _ := repeat.Decode(b)
	return d.Write(payload, WriteOptions{Repetitions: h.Count(), Interval: h.Interval}, done)
}

func (d *Device) schedule() {
	err := d.pool.TrySubmit(d.drain)
	if errors.Is(err, pool.ErrBusy) {
		// Keep the caller non-blocking; wait for a slot elsewhere.
		go func() {
			if err := d.pool.Submit(context.Background(), d.drain); err != nil {
				d.failQueued(err)
			}
		}()
		return
	}
	if err != nil {
		d.failQueued(err)
	}
}

// drain runs queued jobs in order. A job waiting out its interval gives
// the worker back and is resumed by wait.
func (d *Device) drain() {
	for {
		d.wmu.Lock()
		if d.wq.Length() == 0 {
			d.draining = false
			d.wmu.Unlock()
			return
		}
		job := d.wq.Peek().(*writeJob)
		d.wmu.Unlock()

		more, err := d.run(job)
		if more {
			d.wait(job.interval)
			return
		}

		d.wmu.Lock()
		d.wq.Remove()
		d.wmu.Unlock()
		d.finish(job, job.total, err)
	}
}

func (d *Device) wait(interval time.Duration) {
	go func() {
		t := time.NewTimer(interval)
		defer t.Stop()
		select {
		case <-t.C:
		case <-d.abort:
		}
		d.schedule()
	}()
}

// failQueued fails every queued job when the pool refuses work.
func (d *Device) failQueued(cause error) {
	d.log.Error("cannot schedule writes", "err", cause)
	for {
		d.wmu.Lock()
		if d.wq.Length() == 0 {
			d.draining = false
			d.wmu.Unlock()
			return
		}
		job := d.wq.Remove().(*writeJob)
		d.wmu.Unlock()
		d.finish(job, job.total, &OpError{Op: "write", Path: d.path, Kind: ErrWriteFailed, Err: cause})
	}
}

func (d *Device) finish(job *writeJob, n int, err error) {
	if err != nil {
		d.stats.AddError()
		d.log.Debug("write failed", "bytes", n, "err", err)
	}
	if job.done != nil {
		done := job.done
		d.post(func() { done(n, err) })
	}
	d.fd.DecRef()
}

// run performs repetitions of job until it is done, fails or has to sleep
// before the next one, in which case more is true.
func (d *Device) run(job *writeJob) (more bool, err error) {
	for job.rep < job.reps {
		if d.aborted() {
			return false, ErrAlreadyClosed
		}

		n, err := d.writeFull(job.buf)
		job.total += n
		d.stats.AddWrite(n)
		if err != nil {
			return false, &OpError{Op: "write", Path: d.path, Kind: ErrWriteFailed, Err: err}
		}
		if d.opts.Sync {
			if err := d.f.Sync(); err != nil {
				return false, &OpError{Op: "sync", Path: d.path, Kind: ErrWriteFailed, Err: err}
			}
		}

		job.rep++
		if job.rep < job.reps && job.interval > 0 {
			return true, nil
		}
	}
	return false, nil
}

// writeFull writes b in its entirety, retrying short writes.
func (d *Device) writeFull(b []byte) (int, error) {
	off := 0
	for off < len(b) {
		n, err := d.f.Write(b[off:])
		if n > 0 {
			off += n
		}
		switch {
		case err == nil && n == 0:
			return off, io.ErrShortWrite
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if d.aborted() {
				return off, ErrAlreadyClosed
			}
			if _, err := d.f.WaitWritable(d.opts.PollTimeout); err != nil {
				return off, err
			}
		default:
			return off, err
		}
	}
	return off, nil
}
