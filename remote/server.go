// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package remote

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/athombv/linux-device/bridge"
	"github.com/athombv/linux-device/config"
	"github.com/athombv/linux-device/device"
	"github.com/athombv/linux-device/ioctl"
	"github.com/athombv/linux-device/pool"
	"github.com/athombv/linux-device/stats"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const pingInterval = 10 * time.Second

type Options struct {
	Pool     *pool.Pool
	Registry *device.Registry
	Logger   *slog.Logger

	// InsecureSkipVerify disables the websocket origin check.
	InsecureSkipVerify bool
}

type Server struct {
	cfg     *config.Config
	opts    Options
	log     *slog.Logger
	started time.Time

	mu       sync.Mutex
	sessions map[*session]struct{}
}

var _ http.Handler = new(Server)

func NewServer(cfg *config.Config, opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = device.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		opts:     opts,
		log:      opts.Logger,
		started:  time.Now(),
		sessions: make(map[*session]struct{}),
	}
}

func (s *Server) add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) remove(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

func (s *Server) numSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every websocket session. Devices opened by those sessions are
// closed as the sessions unwind.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.cancel()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("upgrade"), "websocket") {
		s.websocket(w, r)
	} else {
		s.status(w, r)
	}
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.opts.InsecureSkipVerify})
	if err != nil {
		s.log.Debug("failed to accept websocket", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &session{
		srv:     s,
		conn:    conn,
		bridge:  bridge.NewWithLogger(s.log),
		handles: make(map[string]*handle),
		cancel:  cancel,
		log:     s.log.With("session", uuid.NewString(), "remote", r.RemoteAddr),
	}
	s.add(sess)
	defer s.remove(sess)

	sess.log.Debug("accepted websocket")
	go sess.readLoop(ctx)
	go sess.pingLoop(ctx)

	sess.bridge.Run(ctx)
	sess.closeAll()
	sess.log.Debug("websocket closed")
}

type deviceStatus struct {
	Path          string         `json:"path"`
	Mode          string         `json:"mode"`
	RecordSize    int            `json:"recordSize"`
	MinRecordSize int            `json:"minRecordSize"`
	State         string         `json:"state,omitempty"`
	Stats         stats.Snapshot `json:"stats"`
}

type status struct {
	Uptime   string         `json:"uptime"`
	Sessions int            `json:"sessions"`
	Allowed  []string       `json:"allowed"`
	Open     []deviceStatus `json:"open"`
}

func (s *Server) snapshot() status {
	st := status{
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: s.numSessions(),
		Allowed:  []string{},
		Open:     []deviceStatus{},
	}
	for _, dc := range s.cfg.Devices {
		st.Allowed = append(st.Allowed, dc.Path)
	}
	for _, d := range s.opts.Registry.Devices() {
		st.Open = append(st.Open, deviceStatus{
			Path:          d.Path(),
			Mode:          d.Mode().String(),
			RecordSize:    d.RecordSize(),
			MinRecordSize: d.MinRecordSize(),
			State:         d.State().String(),
			Stats:         d.Stats().Snapshot(),
		})
	}
	return st
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		http.Error(w, fmt.Sprintf("marshal status: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "application/json")
	w.Header().Set("cache-control", "no-store")
	w.Header().Add("vary", "accept-encoding")
	if r.Method == http.MethodHead {
		return
	}

	accept := make(map[string]bool)
	for _, val := range strings.Split(r.Header.Get("accept-encoding"), ",") {
		val, _, _ = strings.Cut(strings.TrimSpace(val), ";")
		if val == "" {
			continue
		}
		accept[val] = true
	}

	var body io.Writer = w
	switch {
	case accept["br"]:
		w.Header().Set("content-encoding", "br")
		bw := brotli.NewWriter(w)
		defer bw.Close()
		body = bw
	case accept["gzip"]:
		w.Header().Set("content-encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		body = gw
	}
	if _, err := body.Write(b); err != nil {
		s.log.Debug("failed to write status", "err", err)
	}
}

type handle struct {
	id     string
	dev    *device.Device
	cfg    *config.DeviceConfig
	cancel context.CancelFunc
}

// session serves one websocket. Every field except conn is only touched on
// the bridge goroutine.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	bridge  *bridge.Bridge
	handles map[string]*handle
	cancel  context.CancelFunc
	log     *slog.Logger
}

func (sess *session) readLoop(ctx context.Context) {
	defer sess.cancel()
	for {
		var req Request
		if err := wsjson.Read(ctx, sess.conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				sess.log.Debug("failed to read request", "err", err)
			}
			return
		}
		if !sess.bridge.Post(func() { sess.handle(ctx, req) }) {
			return
		}
	}
}

func (sess *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.conn.Ping(ctx); err != nil {
				sess.cancel()
				return
			}
		}
	}
}

func (sess *session) send(ctx context.Context, msg Message) {
	if err := wsjson.Write(ctx, sess.conn, msg); err != nil {
		sess.log.Debug("failed to send message", "err", err)
		sess.cancel()
	}
}

func (sess *session) reply(ctx context.Context, req Request, msg Message) {
	msg.ID = req.ID
	sess.send(ctx, msg)
}

func (sess *session) fail(ctx context.Context, req Request, err error) {
	sess.reply(ctx, req, Message{Handle: req.Handle, Ret: -1, Error: err.Error()})
}

func (sess *session) handle(ctx context.Context, req Request) {
	if req.Method == MethodOpen {
		sess.open(ctx, req)
		return
	}

	h, ok := sess.handles[req.Handle]
	if !ok {
		sess.fail(ctx, req, fmt.Errorf("unknown handle %q", req.Handle))
		return
	}

	switch req.Method {
	case MethodWrite:
		sess.write(ctx, req, h)
	case MethodIoctl, MethodIoctlRaw:
		sess.ioctl(ctx, req, h)
	case MethodClose:
		delete(sess.handles, h.id)
		h.dev.Close(func() {
			h.cancel()
			sess.reply(ctx, req, Message{Handle: h.id})
			sess.send(ctx, Message{Event: EventClosed, Handle: h.id})
		})
	default:
		sess.fail(ctx, req, fmt.Errorf("unknown method %q", req.Method))
	}
}

func (sess *session) open(ctx context.Context, req Request) {
	dc, ok := sess.srv.cfg.Lookup(req.Path)
	if !ok {
		sess.fail(ctx, req, fmt.Errorf("%s: not in allowed devices", req.Path))
		return
	}

	opts := dc.Options()
	opts.Bridge = sess.bridge
	opts.Pool = sess.srv.opts.Pool
	opts.Registry = sess.srv.opts.Registry
	opts.Stats = stats.New()

	id := uuid.NewString()
	opts.Logger = sess.log.With("handle", id)
	dev, err := device.Open(dc.Path, opts)
	if err != nil {
		sess.fail(ctx, req, err)
		return
	}

	hctx, hcancel := context.WithCancel(ctx)
	h := &handle{id: id, dev: dev, cfg: dc, cancel: hcancel}
	sess.handles[id] = h
	opts.Stats.Start(hctx, time.Second)

	err = dev.StartReading(func(rec *device.Record) {
		defer dev.Acknowledge()
		if !dc.Keep(rec.Bytes(), rec.Seq()) {
			return
		}
		frame := AppendRecord(nil, Record{Handle: id, Seq: rec.Seq(), Data: rec.Bytes()})
		if err := sess.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			sess.cancel()
		}
	}, func(err error) {
		delete(sess.handles, id)
		sess.send(ctx, Message{Event: EventReadError, Handle: id, Error: err.Error()})
		dev.Close(func() {
			hcancel()
			sess.send(ctx, Message{Event: EventClosed, Handle: id})
		})
	})
	if err != nil {
		delete(sess.handles, id)
		dev.Close(hcancel)
		sess.fail(ctx, req, err)
		return
	}

	sess.log.Info("opened device", "path", dc.Path, "handle", id, "mode", dc.Mode)
	sess.reply(ctx, req, Message{Handle: id})
}

func (sess *session) write(ctx context.Context, req Request, h *handle) {
	done := func(n int, err error) {
		msg := Message{Handle: h.id, N: n}
		if err != nil {
			msg.Error = err.Error()
		}
		sess.reply(ctx, req, msg)
	}

	var err error
	if req.Framed {
		err = h.dev.WriteFramed(req.Data, done)
	} else {
		err = h.dev.Write(req.Data, device.WriteOptions{
			Repetitions: req.Repetitions,
			Interval:    time.Duration(req.IntervalMs) * time.Millisecond,
		}, done)
	}
	if err != nil {
		sess.fail(ctx, req, err)
	}
}

func (sess *session) ioctl(ctx context.Context, req Request, h *handle) {
	payload := req.Data

	var ret int
	var err error
	switch req.Method {
	case MethodIoctl:
		var dir ioctl.Direction
		dir, err = ioctl.ParseDirection(req.Direction)
		if err == nil {
			ret, err = h.dev.Ioctl(dir, req.Type, req.Number, payload)
		}
	case MethodIoctlRaw:
		ret, err = h.dev.IoctlRaw(uintptr(req.Command), payload)
	}
	if err != nil {
		sess.fail(ctx, req, err)
		return
	}
	sess.reply(ctx, req, Message{Handle: h.id, Ret: ret, Data: payload})
}

// closeAll closes the handles left open when the websocket goes away.
// Close callbacks are not run since nobody is left to receive them.
func (sess *session) closeAll() {
	for id, h := range sess.handles {
		h.dev.Close(nil)
		h.cancel()
		delete(sess.handles, id)
	}
	sess.bridge.Close()
}
