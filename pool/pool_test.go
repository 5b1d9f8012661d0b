// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit(t *testing.T) {
	p := New(4, 8)
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		if err := p.Submit(context.Background(), func() { n.Add(1) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	p.Close()
	if got := n.Load(); got != 100 {
		t.Fatalf("ran %d tasks, want 100", got)
	}
	if err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close: got %v, want ErrClosed", err)
	}
}

func TestTrySubmitBusy(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := p.TrySubmit(func() { close(started); <-block }); err != nil {
		t.Fatalf("first: %v", err)
	}
	<-started
	if err := p.TrySubmit(func() {}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := p.TrySubmit(func() {}); !errors.Is(err, ErrBusy) {
		t.Fatalf("third: got %v, want ErrBusy", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("submit on full queue: got %v", err)
	}
	close(block)
}

func TestPanicKeepsWorker(t *testing.T) {
	p := New(1, 2)
	done := make(chan struct{})
	p.Submit(context.Background(), func() { panic("boom") })
	p.Submit(context.Background(), func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker died after panic")
	}
	p.Close()
	if got := p.Pending(); got != 0 {
		t.Fatalf("pending = %d after close", got)
	}
}
