// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

// Registry tracks open devices so that they can all be closed when the
// process shuts down.
type Registry struct {
	mu       sync.Mutex
	devices  map[*Device]struct{}
	shutdown bool
	empty    *sync.Cond
}

func NewRegistry() *Registry {
	r := &Registry{devices: make(map[*Device]struct{})}
	r.empty = sync.NewCond(&r.mu)
	return r
}

// add registers d. It returns false, leaving d unregistered, once Shutdown
// has been called.
func (r *Registry) add(d *Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	r.devices[d] = struct{}{}
	return true
}

func (r *Registry) remove(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, d)
	if len(r.devices) == 0 {
		r.empty.Broadcast()
	}
}

func (r *Registry) isShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

// Len returns the number of devices whose descriptor has not been released.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]*Device, 0, len(r.devices))
	for d := range r.devices {
		ret = append(ret, d)
	}
	return ret
}

// Shutdown closes every registered device and refuses further opens.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()

	for _, d := range r.Devices() {
		d.Close(nil)
	}
}

// Wait blocks until every registered device has been released or ctx is
// done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.mu.Lock()
		for len(r.devices) > 0 && ctx.Err() == nil {
			r.empty.Wait()
		}
		r.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.empty.Broadcast()
		r.mu.Unlock()
		return ctx.Err()
	}
}

// NotifySignals calls Shutdown when one of sigs is received. The returned
// function stops listening.
func (r *Registry) NotifySignals(ctx context.Context, sigs ...os.Signal) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			slog.Info("received signal, closing devices", "signal", sig, "devices", r.Len())
			r.Shutdown()
		case <-ctx.Done():
		}
	}()
	return cancel
}
