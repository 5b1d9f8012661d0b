// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package pool implements a bounded work queue for operations that may
// block in the kernel (writes, fsync, delayed repetitions).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed = errors.New("pool closed")
	ErrBusy   = errors.New("pool queue full")
)

type Pool struct {
	tasks  chan func()
	closed atomic.Bool
	mu     sync.RWMutex // held for reading while enqueueing, for writing by Close
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
}

// New starts workers goroutines draining a queue of depth tasks. Zero or
// negative values pick defaults.
func New(workers, depth int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if depth <= 0 {
		depth = workers * 4
	}
	p := &Pool{tasks: make(chan func(), depth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pool task panicked", "err", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		p.completed.Add(1)
	}()
	task()
}

// Submit queues task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues task or fails with ErrBusy if the queue is full.
func (p *Pool) TrySubmit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrBusy
	}
}

// Pending returns the number of submitted tasks that have not finished.
func (p *Pool) Pending() int64 {
	return p.submitted.Load() - p.completed.Load()
}

// Close stops accepting tasks and waits for the queued ones to finish.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	// Submitters blocked on a full queue hold the read lock; let the workers
	// drain while we wait for them.
	p.mu.Lock()
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
