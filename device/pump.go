// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"fmt"
	"io"
)

// Record is a block of bytes read from a device. The pump hands the
// underlying buffer over with the record and never touches it again.
type Record struct {
	b   []byte
	seq uint64
}

// Bytes returns the record contents without transferring ownership.
func (r *Record) Bytes() []byte { return r.b }

// Detach returns the record contents and leaves the record empty.
func (r *Record) Detach() []byte {
	b := r.b
	r.b = nil
	return b
}

func (r *Record) Len() int { return len(r.b) }

// Seq is the zero based position of the record in the device's stream.
func (r *Record) Seq() uint64 { return r.seq }

// StartReading starts the read pump. onRecord runs on the bridge for every
// record; the pump does not read again until Acknowledge is called (or,
// with Options.AutoAck, until onRecord returns). onError, which may be nil,
// runs at most once if the pump stops because of a read failure. It is not
// called when the pump stops because of Close.
func (d *Device) StartReading(onRecord func(*Record), onError func(error)) error {
	if onRecord == nil {
		return fmt.Errorf("%w: nil record callback", ErrInvalidOptions)
	}
	if !d.fd.IncRef() {
		return ErrAlreadyClosed
	}
	if !d.reading.CompareAndSwap(false, true) {
		d.fd.DecRef()
		return ErrAlreadyReading
	}
	go d.pump(onRecord, onError)
	return nil
}

// Acknowledge tells the pump that the consumer is done with the last record.
func (d *Device) Acknowledge() {
	d.ackMu.Lock()
	d.awaiting = false
	d.ackCond.Signal()
	d.ackMu.Unlock()
}

func (d *Device) aborted() bool {
	select {
	case <-d.abort:
		return true
	default:
		return false
	}
}

func (d *Device) pump(onRecord func(*Record), onError func(error)) {
	defer d.fd.DecRef()

	size, minSize := d.opts.RecordSize, d.opts.MinRecordSize
	buf := make([]byte, size)
	off := 0
	var seq uint64

	for !d.aborted() {
		ready, err := d.f.WaitReadable(d.opts.PollTimeout)
		if err != nil {
			d.fail(err, onError)
			return
		}
		if !ready || d.aborted() {
			continue
		}

		n, err := d.f.Read(buf[off:])
		switch {
		case err != nil && temporary(err):
			continue
		case err != nil:
			d.fail(err, onError)
			return
		case n == 0:
			d.fail(io.EOF, onError)
			return
		}

		off += n
		if off < minSize {
			continue
		}

		rec := &Record{b: buf[:off:off], seq: seq}
		seq++
		buf, off = make([]byte, size), 0
		d.stats.AddRecord(rec.Len())

		if !d.deliver(rec, onRecord) {
			return
		}
	}
}

// deliver posts rec to the bridge and waits for it to be acknowledged. It
// returns false if the device was closed in the meantime.
func (d *Device) deliver(rec *Record, onRecord func(*Record)) bool {
	d.ackMu.Lock()
	d.awaiting = true
	d.ackMu.Unlock()

	posted := d.bridge.Post(func() {
		if d.aborted() {
			return
		}
		onRecord(rec)
		if d.opts.AutoAck {
			d.Acknowledge()
		}
	})
	if !posted {
		d.log.Debug("bridge closed, closing device")
		d.shutdown()
		return false
	}

	d.ackMu.Lock()
	for d.awaiting && !d.aborted() {
		d.ackCond.Wait()
	}
	d.ackMu.Unlock()
	return !d.aborted()
}

func (d *Device) fail(err error, onError func(error)) {
	if !d.shutdown() {
		return
	}
	d.stats.AddError()
	d.log.Warn("read failed, closing device", "err", err)
	if onError != nil {
		rerr := &OpError{Op: "read", Path: d.path, Kind: ErrReadFailed, Err: err}
		d.post(func() { onError(rerr) })
	}
}
