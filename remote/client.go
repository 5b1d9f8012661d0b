// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/athombv/linux-device/device"
	"github.com/athombv/linux-device/ioctl"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxMessageSize = 16 << 20

// Error is a failure reported by the server.
type Error struct {
	Method string
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Msg)
}

var ErrClientClosed = errors.New("client closed")

// Client talks to a Server. Records and events are delivered on buffered
// channels; a consumer that stops draining them eventually stalls replies
// too, which in turn stalls the server-side read pump.
type Client struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Message
	err     error

	records chan Record
	events  chan Message
	done    chan struct{}
}

func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		ctx:     cctx,
		cancel:  cancel,
		pending: make(map[uint64]chan Message),
		records: make(chan Record, 64),
		events:  make(chan Message, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Records returns the channel of records for every open handle. It is
// closed when the connection ends.
func (c *Client) Records() <-chan Record { return c.records }

// Events returns read errors and close notifications. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Message { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	defer close(c.records)

	err := c.read()

	c.mu.Lock()
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) read() error {
	for {
		typ, b, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			r, err := ParseRecord(b)
			if err != nil {
				slog.Debug("dropping malformed record", "err", err)
				continue
			}
			select {
			case c.records <- r:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}

		case websocket.MessageText:
			var msg Message
			if err := json.Unmarshal(b, &msg); err != nil {
				return fmt.Errorf("unmarshal message: %w", err)
			}
			if msg.Event != "" {
				select {
				case c.events <- msg:
				case <-c.ctx.Done():
					return c.ctx.Err()
				}
				continue
			}

			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *Client) call(ctx context.Context, req Request) (Message, error) {
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %w", ErrClientClosed, c.err)
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Message{}, fmt.Errorf("send %s: %w", req.Method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, ErrClientClosed
		}
		if msg.Error != "" {
			return msg, &Error{Method: req.Method, Msg: msg.Error}
		}
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// Open opens an allow-listed device on the server and returns its handle.
func (c *Client) Open(ctx context.Context, path string) (string, error) {
	msg, err := c.call(ctx, Request{Method: MethodOpen, Path: path})
	if err != nil {
		return "", err
	}
	return msg.Handle, nil
}

func (c *Client) Write(ctx context.Context, handle string, data []byte, opts device.WriteOptions) (int, error) {
	msg, err := c.call(ctx, Request{
		Method:      MethodWrite,
		Handle:      handle,
		Data:        data,
		Repetitions: opts.Repetitions,
		IntervalMs:  int(opts.Interval / time.Millisecond),
	})
	return msg.N, err
}

// WriteFramed sends b as is; the server honors a leading repeat header.
func (c *Client) WriteFramed(ctx context.Context, handle string, b []byte) (int, error) {
	msg, err := c.call(ctx, Request{Method: MethodWrite, Handle: handle, Data: b, Framed: true})
	return msg.N, err
}

// Ioctl issues an encoded ioctl and returns the kernel's return value and
// the payload as left by the driver.
func (c *Client) Ioctl(ctx context.Context, handle string, dir ioctl.Direction, typ, nr uint32, payload []byte) (int, []byte, error) {
	msg, err := c.call(ctx, Request{
		Method:    MethodIoctl,
		Handle:    handle,
		Direction: dir.String(),
		Type:      typ,
		Number:    nr,
		Data:      payload,
	})
	if err != nil {
		return -1, nil, err
	}
	return msg.Ret, msg.Data, nil
}

func (c *Client) IoctlRaw(ctx context.Context, handle string, cmd uint32, payload []byte) (int, []byte, error) {
	msg, err := c.call(ctx, Request{Method: MethodIoctlRaw, Handle: handle, Command: cmd, Data: payload})
	if err != nil {
		return -1, nil, err
	}
	return msg.Ret, msg.Data, nil
}

// CloseHandle closes a device and waits until the server has released it.
func (c *Client) CloseHandle(ctx context.Context, handle string) error {
	_, err := c.call(ctx, Request{Method: MethodClose, Handle: handle})
	return err
}

// Close ends the connection. The server closes every handle left open.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}
