package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/smd-tty/api"
	internalshm "github.com/srediag/smd-tty/internal/shm"
)

var (
	ErrChannelBusy   = errors.New("shm: channel already open on host")
	ErrEdgeMismatch  = errors.New("shm: channel requested on another edge")
	ErrChannelClosed = errors.New("shm: channel closed")
	ErrRemoteDown    = errors.New("shm: remote subsystem is down")
)

// channel is the shared state of one named channel on an edge.
type channel struct {
	edge   *Edge
	name   string
	region *internalshm.MappedRegion
	tx     *ring // host -> remote
	rx     *ring // remote -> host

	mu         sync.Mutex
	allocated  bool
	hostOpen   bool
	remoteOpen bool
	notify     api.NotifyFunc

	readIntr      atomic.Bool
	hostSignals   atomic.Uint32
	remoteSignals atomic.Uint32
	kick          chan struct{}
}

func newChannel(e *Edge, name string) (*channel, error) {
	size := ringMemSize(e.opts.RingSize)
	region, err := internalshm.MapRegion(context.Background(), internalshm.MapOptions{
		Name:   fmt.Sprintf("smdtty-%s-%s", e.id, name),
		Size:   2 * size,
		Create: true,
		Type:   e.opts.MemMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("map channel %s: %w", name, err)
	}
	tx, err := newRing(region.Addr[:size])
	if err != nil {
		_ = internalshm.UnmapRegion(context.Background(), region)
		return nil, err
	}
	rx, err := newRing(region.Addr[size:])
	if err != nil {
		_ = internalshm.UnmapRegion(context.Background(), region)
		return nil, err
	}
	return &channel{
		edge:   e,
		name:   name,
		region: region,
		tx:     tx,
		rx:     rx,
		kick:   make(chan struct{}, 1),
	}, nil
}

func (c *channel) fire(ev api.Event) {
	c.mu.Lock()
	n := c.notify
	c.mu.Unlock()
	if n != nil {
		internalLogger.Tracef("channel %s: %s", c.name, ev)
		n(ev)
	}
}

// ack completes the remote half of an open.
func (c *channel) ack() bool {
	c.mu.Lock()
	if !c.hostOpen || c.remoteOpen || !c.edge.isUp() {
		c.mu.Unlock()
		return false
	}
	c.remoteOpen = true
	c.mu.Unlock()
	c.fire(api.EventOpen)
	if c.rx.avail() > 0 {
		c.fire(api.EventData)
	}
	return true
}

// drop is the remote half going away, either from a crash or a remote close.
func (c *channel) drop() {
	c.mu.Lock()
	wasOpen := c.remoteOpen
	c.remoteOpen = false
	hostOpen := c.hostOpen
	c.mu.Unlock()
	c.tx.reset()
	c.rx.reset()
	if wasOpen || hostOpen {
		c.fire(api.EventClose)
	}
}

func (c *channel) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *channel) unmap() error {
	return internalshm.UnmapRegion(context.Background(), c.region)
}

// Handle is the host side of an open channel.
type Handle struct {
	c      *channel
	closed atomic.Bool
}

var (
	_ api.Channel             = (*Handle)(nil)
	_ api.ReopenReadyNotifier = (*Handle)(nil)
)

func (h *Handle) Name() string { return h.c.name }

func (h *Handle) Read(p []byte) int {
	if h.closed.Load() {
		return 0
	}
	return h.c.rx.read(p)
}

func (h *Handle) Write(p []byte) int {
	if h.closed.Load() {
		return 0
	}
	n := h.c.tx.write(p)
	if n > 0 {
		h.c.wake()
	}
	return n
}

func (h *Handle) ReadAvail() int {
	if h.closed.Load() {
		return 0
	}
	return h.c.rx.avail()
}

func (h *Handle) WriteAvail() int {
	if h.closed.Load() {
		return 0
	}
	return h.c.tx.space()
}

func (h *Handle) EnableReadIntr()  { h.c.readIntr.Store(true) }
func (h *Handle) DisableReadIntr() { h.c.readIntr.Store(false) }

// ReadIntrEnabled reports whether a remote read will raise EventData.
func (h *Handle) ReadIntrEnabled() bool { return h.c.readIntr.Load() }

// Signals returns the remote's modem lines as the host sees them.
func (h *Handle) Signals() uint32 {
	return h.c.remoteSignals.Load()
}

func (h *Handle) SetSignals(set, clear uint32) error {
	if h.closed.Load() {
		return ErrChannelClosed
	}
	for {
		old := h.c.hostSignals.Load()
		if h.c.hostSignals.CompareAndSwap(old, (old|set)&^clear) {
			return nil
		}
	}
}

func (h *Handle) ReopenReady() bool {
	return h.c.edge.opts.ReopenReady
}

// Close closes the host side. On edges with ReopenReady the notification
// callback stays registered until EventReopenReady is delivered.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrChannelClosed
	}
	c := h.c
	c.mu.Lock()
	n := c.notify
	remoteWasOpen := c.remoteOpen
	c.hostOpen = false
	c.remoteOpen = false
	c.notify = nil
	c.mu.Unlock()
	c.readIntr.Store(false)
	c.tx.reset()
	c.rx.reset()
	if c.edge.opts.ReopenReady && remoteWasOpen && n != nil {
		c.edge.afterReopenDelay(func() { n(api.EventReopenReady) })
	}
	internalLogger.Debugf("channel %s closed by host", c.name)
	return nil
}

// Remote is the remote processor's end of a channel.
type Remote struct {
	c *channel
}

// Write queues p towards the host and raises EventData.
func (r *Remote) Write(p []byte) int {
	n := r.c.rx.write(p)
	if n > 0 {
		r.c.mu.Lock()
		open := r.c.remoteOpen
		r.c.mu.Unlock()
		if open {
			r.c.fire(api.EventData)
		}
	}
	return n
}

// Read consumes bytes written by the host. Freed space raises EventData
// when the host enabled its read interrupt.
func (r *Remote) Read(p []byte) int {
	n := r.c.tx.read(p)
	if n > 0 && r.c.readIntr.Load() {
		r.c.fire(api.EventData)
	}
	return n
}

func (r *Remote) ReadAvail() int  { return r.c.tx.avail() }
func (r *Remote) WriteAvail() int { return r.c.rx.space() }

// SetSignals replaces the modem lines the host will read.
func (r *Remote) SetSignals(bits uint32) { r.c.remoteSignals.Store(bits) }

// HostSignals returns the lines last set by the host.
func (r *Remote) HostSignals() uint32 { return r.c.hostSignals.Load() }

// Open reports whether both halves of the channel are open.
func (r *Remote) Open() bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.c.hostOpen && r.c.remoteOpen
}

// Close closes the remote half only.
func (r *Remote) Close() {
	r.c.drop()
}
