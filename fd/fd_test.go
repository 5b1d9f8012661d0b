// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package fd

import (
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBasic(t *testing.T) {
	b := make([]byte, 10000)
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}

	var releases atomic.Int32
	var inflight atomic.Int32
	fd := New(1234, func(n int) error {
		if n != 1234 {
			t.Errorf("release: got %d, want 1234", n)
		}
		if got := inflight.Load(); got != 0 {
			t.Errorf("release with %d pins still in flight", got)
		}
		releases.Add(1)
		return nil
	})

	var wg sync.WaitGroup

	var entries atomic.Uint64
	var done atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		if !fd.Close() {
			t.Errorf("first close returned false")
		}
		done.Store(true)
		t.Logf("closing (entered=%d)", entries.Load())
	}()

	rounds := 0
	for !done.Load() {
		rounds++
		for i := 0; i < len(b); i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if !fd.IncRef() {
					return
				}
				inflight.Add(1)
				entries.Add(1)
				defer fd.DecRef()
				defer inflight.Add(-1)
				dur := time.Duration(int(b[i])) * time.Microsecond
				time.Sleep(dur)
				if got := fd.FD(); got != 1234 {
					t.Errorf("failed: got %d, want 1234", got)
				}
			}(i)
		}
	}

	wg.Wait()

	select {
	case <-fd.Done():
	case <-time.After(time.Second):
		t.Fatalf("descriptor not released after all pins dropped")
	}
	if got := releases.Load(); got != 1 {
		t.Fatalf("got %d releases, want 1", got)
	}
	if fd.IncRef() {
		t.Fatalf("IncRef succeeded after release")
	}
	t.Logf("final: %d/%d entries", entries.Load(), rounds*len(b))
}

func TestCloseWaitsForPins(t *testing.T) {
	var released atomic.Bool
	fd := New(7, func(int) error {
		released.Store(true)
		return nil
	})

	if !fd.IncRef() {
		t.Fatalf("IncRef on open fd failed")
	}
	if !fd.Close() {
		t.Fatalf("Close returned false")
	}
	if fd.Close() {
		t.Fatalf("second Close returned true")
	}
	if !fd.Closed() {
		t.Fatalf("Closed() = false after Close")
	}
	if released.Load() {
		t.Fatalf("released while a pin is held")
	}
	if fd.IncRef() {
		t.Fatalf("IncRef succeeded while closing")
	}
	if got := fd.Refs(); got != 1 {
		t.Fatalf("got %d refs, want 1", got)
	}

	fd.DecRef()
	if !released.Load() {
		t.Fatalf("not released after last DecRef")
	}
	<-fd.Done()
}

func TestReleaseError(t *testing.T) {
	want := errors.New("boom")
	fd := New(3, func(int) error { return want })
	if err := fd.Err(); err != nil {
		t.Fatalf("Err before release: %v", err)
	}
	fd.Close()
	<-fd.Done()
	if err := fd.Err(); !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}
