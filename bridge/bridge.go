// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package bridge hands completions from I/O goroutines to a single consumer
// goroutine.
//
// Producers call Post from any goroutine. The consumer calls Run (or RunOnce
// from its own loop) and every completion executes on the consumer's
// goroutine, one at a time, in the order it was posted. Anything captured by
// a posted closure belongs to the consumer from that point on.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/eapache/queue"
)

type Bridge struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	notify chan struct{}

	log *slog.Logger
}

func New() *Bridge {
	return NewWithLogger(slog.Default())
}

func NewWithLogger(log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
		log:    log,
	}
}

// Post queues fn for execution on the consumer goroutine. It returns false
// if the bridge was closed, in which case fn will never run.
func (b *Bridge) Post(fn func()) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.q.Add(fn)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued completions.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

func (b *Bridge) pop() (func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Length() == 0 {
		return nil, false
	}
	return b.q.Remove().(func()), true
}

// RunOnce executes every completion queued at the time of the call and
// returns how many ran. Completions posted while it runs are left for the
// next call.
func (b *Bridge) RunOnce() int {
	n := b.Pending()
	for i := 0; i < n; i++ {
		fn, ok := b.pop()
		if !ok {
			return i
		}
		b.dispatch(fn)
	}
	return n
}

func (b *Bridge) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("completion panicked", "err", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Run dispatches completions until ctx is done or the bridge is closed and
// drained. It returns ctx.Err() in the first case and nil in the second.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		for {
			fn, ok := b.pop()
			if !ok {
				break
			}
			b.dispatch(fn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		b.mu.Lock()
		drained := b.closed && b.q.Length() == 0
		b.mu.Unlock()
		if drained {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notify:
		}
	}
}

// Close stops accepting new completions. Already queued completions are
// still delivered by Run and RunOnce.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}
