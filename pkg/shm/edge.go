package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/multierr"

	"github.com/srediag/smd-tty/api"
	"github.com/srediag/smd-tty/internal/logger"
	internalshm "github.com/srediag/smd-tty/internal/shm"
)

var internalLogger = logger.New("shm", nil)

// MemMapType selects the backing of channel rings.
type MemMapType = internalshm.MemMapType

const (
	MemMapTypeHeap       = internalshm.MemMapTypeHeap
	MemMapTypeDevShmFile = internalshm.MemMapTypeDevShmFile
)

// LoopbackChannel is the channel served by the remote loopback service.
const LoopbackChannel = "LOOPBACK"

// ProbeFunc is called when the remote registers a channel.
type ProbeFunc func(name string, edge api.Edge)

// Options configures an Edge.
type Options struct {
	// RingSize is the capacity of each direction, a power of two.
	RingSize   int
	MemMapType MemMapType
	// AutoAck makes the remote acknowledge every host open while it is up.
	AutoAck bool
	// ReopenReady makes host closes complete with EventReopenReady.
	ReopenReady      bool
	ReopenReadyDelay time.Duration
	BootDelay        time.Duration
	// EchoPoll bounds how long the loopback service sleeps when the host
	// ring is full.
	EchoPoll time.Duration
}

// DefaultOptions returns options for a heap-backed, auto-acknowledging edge.
func DefaultOptions() Options {
	return Options{
		RingSize:         8192,
		MemMapType:       MemMapTypeHeap,
		AutoAck:          true,
		ReopenReadyDelay: 10 * time.Millisecond,
		EchoPoll:         20 * time.Millisecond,
	}
}

// Edge simulates one remote processor and the channels it shares with the host.
type Edge struct {
	id   api.Edge
	opts Options

	mu          sync.Mutex
	up          bool
	initialized bool
	bootErr     error
	probe       ProbeFunc
	echo        *echoServer

	channels cmap.ConcurrentMap[string, *channel]
}

var _ api.Transport = (*Edge)(nil)

// NewEdge returns a powered-down edge.
func NewEdge(id api.Edge, opts Options) *Edge {
	def := DefaultOptions()
	if opts.RingSize <= 0 {
		opts.RingSize = def.RingSize
	}
	if opts.EchoPoll <= 0 {
		opts.EchoPoll = def.EchoPoll
	}
	return &Edge{
		id:       id,
		opts:     opts,
		channels: cmap.New[*channel](),
	}
}

func (e *Edge) ID() api.Edge { return e.id }

func (e *Edge) isUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.up
}

// Up reports whether the remote is running.
func (e *Edge) Up() bool { return e.isUp() }

// Initialized reports whether the remote finished shared-memory init.
func (e *Edge) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// SetBootError makes the following boots fail with err; nil clears it.
func (e *Edge) SetBootError(err error) {
	e.mu.Lock()
	e.bootErr = err
	e.mu.Unlock()
}

// Boot starts the remote. Channels the host still holds open are
// acknowledged again, as a restarted peer would.
func (e *Edge) Boot(ctx context.Context) error {
	e.mu.Lock()
	if e.bootErr != nil {
		err := e.bootErr
		e.mu.Unlock()
		return fmt.Errorf("boot %s: %w", e.id, err)
	}
	if e.up {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	if e.opts.BootDelay > 0 {
		t := time.NewTimer(e.opts.BootDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	e.mu.Lock()
	e.up = true
	e.initialized = true
	e.mu.Unlock()
	internalLogger.Infof("edge %s booted", e.id)
	if e.opts.AutoAck {
		for item := range e.channels.IterBuffered() {
			item.Val.ack()
		}
	}
	return nil
}

// Shutdown stops the remote. Every channel loses its remote half and the
// host sees EventClose.
func (e *Edge) Shutdown() {
	e.mu.Lock()
	if !e.up {
		e.mu.Unlock()
		return
	}
	e.up = false
	e.initialized = false
	echo := e.echo
	e.echo = nil
	e.mu.Unlock()
	if echo != nil {
		echo.stop()
	}
	for item := range e.channels.IterBuffered() {
		item.Val.drop()
	}
	internalLogger.Infof("edge %s shut down", e.id)
}

// RequestLoopback starts the remote loopback service on LoopbackChannel.
func (e *Edge) RequestLoopback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return ErrRemoteDown
	}
	if e.echo != nil {
		return nil
	}
	c, err := e.channel(LoopbackChannel)
	if err != nil {
		return err
	}
	e.echo = startEcho(c, e.opts.EchoPoll)
	return nil
}

// Loopback reports whether the loopback service is running.
func (e *Edge) Loopback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.echo != nil
}

// OnAllocate installs the platform registration hook.
func (e *Edge) OnAllocate(fn ProbeFunc) {
	e.mu.Lock()
	e.probe = fn
	e.mu.Unlock()
}

// Allocate registers name on the remote and runs the probe hook.
func (e *Edge) Allocate(name string) error {
	c, err := e.channel(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.allocated = true
	c.mu.Unlock()
	e.mu.Lock()
	probe := e.probe
	e.mu.Unlock()
	if probe != nil {
		probe(name, e.id)
	}
	return nil
}

// Open opens the host side of name.
func (e *Edge) Open(name string, edge api.Edge, notify api.NotifyFunc) (api.Channel, error) {
	if edge != e.id {
		return nil, fmt.Errorf("%w: %s on %s", ErrEdgeMismatch, name, edge)
	}
	c, err := e.channel(name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.hostOpen {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelBusy, name)
	}
	c.hostOpen = true
	c.notify = notify
	c.mu.Unlock()
	c.readIntr.Store(true)
	if e.opts.AutoAck && e.isUp() {
		go c.ack()
	}
	internalLogger.Debugf("channel %s opened by host on %s", name, e.id)
	return &Handle{c: c}, nil
}

// Ack makes the remote acknowledge a host open of name.
func (e *Edge) Ack(name string) error {
	c, ok := e.channels.Get(name)
	if !ok {
		return fmt.Errorf("ack %s: %w", name, ErrChannelClosed)
	}
	if !c.ack() {
		return fmt.Errorf("ack %s: not pending", name)
	}
	return nil
}

// Remote returns the remote end of name, creating the channel if needed.
func (e *Edge) Remote(name string) *Remote {
	c, err := e.channel(name)
	if err != nil {
		internalLogger.Errorf("remote %s: %v", name, err)
		return nil
	}
	return &Remote{c: c}
}

// Close stops the edge and releases every ring.
func (e *Edge) Close() error {
	e.Shutdown()
	var errs error
	for _, name := range e.channels.Keys() {
		if c, ok := e.channels.Pop(name); ok {
			errs = multierr.Append(errs, c.unmap())
		}
	}
	return errs
}

func (e *Edge) channel(name string) (*channel, error) {
	if c, ok := e.channels.Get(name); ok {
		return c, nil
	}
	var createErr error
	c := e.channels.Upsert(name, nil, func(exist bool, old, _ *channel) *channel {
		if exist {
			return old
		}
		nc, err := newChannel(e, name)
		if err != nil {
			createErr = err
			return nil
		}
		return nc
	})
	if c == nil {
		e.channels.Remove(name)
		if createErr == nil {
			createErr = errors.New("channel allocation failed")
		}
		return nil, createErr
	}
	return c, nil
}

func (e *Edge) afterReopenDelay(fn func()) {
	time.AfterFunc(e.opts.ReopenReadyDelay, fn)
}

// Mux routes opens to the edge they name.
type Mux struct {
	edges map[api.Edge]*Edge
}

var _ api.Transport = (*Mux)(nil)

func NewMux(edges ...*Edge) *Mux {
	m := &Mux{edges: make(map[api.Edge]*Edge, len(edges))}
	for _, e := range edges {
		m.edges[e.id] = e
	}
	return m
}

func (m *Mux) Edge(id api.Edge) (*Edge, bool) {
	e, ok := m.edges[id]
	return e, ok
}

func (m *Mux) Open(name string, edge api.Edge, notify api.NotifyFunc) (api.Channel, error) {
	e, ok := m.edges[edge]
	if !ok {
		return nil, fmt.Errorf("%w: no edge %s", ErrEdgeMismatch, edge)
	}
	return e.Open(name, edge, notify)
}

// Close closes every edge.
func (m *Mux) Close() error {
	var errs error
	for _, e := range m.edges {
		errs = multierr.Append(errs, e.Close())
	}
	return errs
}
