// Package transport is the driver's facade over a shared-memory channel
// provider. It owns handle accounting and keeps a closed handle from
// delivering stale events.
package transport

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/srediag/smd-tty/api"
)

var ErrHandleClosed = errors.New("transport: handle closed")

// Adapter opens channels through an api.Transport.
type Adapter struct {
	tr   api.Transport
	open atomic.Int64
}

func NewAdapter(tr api.Transport) *Adapter {
	return &Adapter{tr: tr}
}

// OpenHandles is the number of handles opened and not yet closed.
func (a *Adapter) OpenHandles() int64 { return a.open.Load() }

// Open opens name on edge. After Close the handle forwards only
// api.EventReopenReady to notify.
func (a *Adapter) Open(name string, edge api.Edge, notify api.NotifyFunc) (*Handle, error) {
	h := &Handle{a: a, notify: notify}
	ch, err := a.tr.Open(name, edge, h.dispatch)
	if err != nil {
		return nil, fmt.Errorf("open %s on %s: %w", name, edge, err)
	}
	h.ch.Store(&ch)
	a.open.Add(1)
	return h, nil
}

// Handle is an open channel. Its methods are safe on a nil or closed handle
// and report nothing available.
type Handle struct {
	a      *Adapter
	ch     atomic.Pointer[api.Channel]
	notify api.NotifyFunc
	closed atomic.Bool
}

func (h *Handle) dispatch(ev api.Event) {
	if h.closed.Load() && ev != api.EventReopenReady {
		return
	}
	h.notify(ev)
}

func (h *Handle) channel() api.Channel {
	if h == nil || h.closed.Load() {
		return nil
	}
	if p := h.ch.Load(); p != nil {
		return *p
	}
	return nil
}

func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	if p := h.ch.Load(); p != nil {
		return (*p).Name()
	}
	return ""
}

func (h *Handle) Read(p []byte) int {
	if ch := h.channel(); ch != nil {
		return ch.Read(p)
	}
	return 0
}

func (h *Handle) Write(p []byte) int {
	if ch := h.channel(); ch != nil {
		return ch.Write(p)
	}
	return 0
}

func (h *Handle) ReadAvail() int {
	if ch := h.channel(); ch != nil {
		return ch.ReadAvail()
	}
	return 0
}

func (h *Handle) WriteAvail() int {
	if ch := h.channel(); ch != nil {
		return ch.WriteAvail()
	}
	return 0
}

func (h *Handle) EnableReadIntr() {
	if ch := h.channel(); ch != nil {
		ch.EnableReadIntr()
	}
}

func (h *Handle) DisableReadIntr() {
	if ch := h.channel(); ch != nil {
		ch.DisableReadIntr()
	}
}

func (h *Handle) Signals() uint32 {
	if ch := h.channel(); ch != nil {
		return ch.Signals()
	}
	return 0
}

func (h *Handle) SetSignals(set, clear uint32) error {
	ch := h.channel()
	if ch == nil {
		return ErrHandleClosed
	}
	return ch.SetSignals(set, clear)
}

// ReopenReady reports whether the channel completes closes with
// api.EventReopenReady.
func (h *Handle) ReopenReady() bool {
	if h == nil {
		return false
	}
	p := h.ch.Load()
	if p == nil {
		return false
	}
	rn, ok := (*p).(api.ReopenReadyNotifier)
	return ok && rn.ReopenReady()
}

// Close closes the channel once. Later calls return ErrHandleClosed.
func (h *Handle) Close() error {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	h.a.open.Add(-1)
	p := h.ch.Load()
	if p == nil {
		return nil
	}
	return (*p).Close()
}
