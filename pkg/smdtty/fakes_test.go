package smdtty

import (
	"errors"
	"sync"
	"time"

	"github.com/srediag/smd-tty/api"
)

type fakeChannel struct {
	tr   *fakeTransport
	name string

	mu       sync.Mutex
	rx       []byte
	space    int
	written  []byte
	writes   int
	readIntr bool
	signals  uint32
	hostSet  uint32
	closed   bool
	shortBy  int
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Read(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(p, c.rx)
	if c.shortBy > 0 && n > c.shortBy {
		n -= c.shortBy
	}
	c.rx = c.rx[n:]
	return n
}

func (c *fakeChannel) Write(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := min(len(p), c.space)
	c.space -= n
	c.written = append(c.written, p[:n]...)
	c.writes++
	return n
}

func (c *fakeChannel) ReadAvail() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rx)
}

func (c *fakeChannel) WriteAvail() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.space
}

func (c *fakeChannel) EnableReadIntr() {
	c.mu.Lock()
	c.readIntr = true
	c.mu.Unlock()
}

func (c *fakeChannel) DisableReadIntr() {
	c.mu.Lock()
	c.readIntr = false
	c.mu.Unlock()
}

func (c *fakeChannel) Signals() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals
}

func (c *fakeChannel) SetSignals(set, clear uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostSet = (c.hostSet | set) &^ clear
	return nil
}

func (c *fakeChannel) ReopenReady() bool { return c.tr.reopenReady }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.tr.closed(c.name)
	return nil
}

func (c *fakeChannel) remoteWrite(p []byte) {
	c.mu.Lock()
	c.rx = append(c.rx, p...)
	c.mu.Unlock()
}

func (c *fakeChannel) setSpace(n int) {
	c.mu.Lock()
	c.space = n
	c.mu.Unlock()
}

func (c *fakeChannel) snapshot() (written []byte, writes int, readIntr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...), c.writes, c.readIntr
}

type fakeTransport struct {
	mu          sync.Mutex
	openErr     error
	ackOpen     bool
	reopenReady bool
	sendReopen  bool
	reopenDelay time.Duration
	channels    map[string]*fakeChannel
	notify      map[string]api.NotifyFunc
	opens       int
	closes      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ackOpen:  true,
		channels: make(map[string]*fakeChannel),
		notify:   make(map[string]api.NotifyFunc),
	}
}

func (t *fakeTransport) channel(name string) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.channels[name]
	if !ok {
		c = &fakeChannel{tr: t, name: name, space: 1 << 16}
		t.channels[name] = c
	}
	return c
}

func (t *fakeTransport) Open(name string, _ api.Edge, notify api.NotifyFunc) (api.Channel, error) {
	t.mu.Lock()
	if t.openErr != nil {
		err := t.openErr
		t.mu.Unlock()
		return nil, err
	}
	t.opens++
	t.notify[name] = notify
	ack := t.ackOpen
	t.mu.Unlock()
	c := t.channel(name)
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
	if ack {
		notify(api.EventOpen)
	}
	return c, nil
}

func (t *fakeTransport) closed(name string) {
	t.mu.Lock()
	t.closes++
	n := t.notify[name]
	send, delay := t.reopenReady && t.sendReopen, t.reopenDelay
	t.mu.Unlock()
	if send && n != nil {
		time.AfterFunc(delay, func() { n(api.EventReopenReady) })
	}
}

func (t *fakeTransport) fire(name string, ev api.Event) {
	t.mu.Lock()
	n := t.notify[name]
	t.mu.Unlock()
	if n != nil {
		n(ev)
	}
}

func (t *fakeTransport) counts() (opens, closes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens, t.closes
}

type fakeRef string

func (r fakeRef) Subsystem() string { return string(r) }

type fakeSubsystem struct {
	mu          sync.Mutex
	getErr      error
	gets        int
	puts        int
	initialized bool
	loopbacks   int
}

func (s *fakeSubsystem) Get(name string) (api.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.gets++
	return fakeRef(name), nil
}

func (s *fakeSubsystem) Put(api.Ref) {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
}

func (s *fakeSubsystem) Initialized(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *fakeSubsystem) setInitialized(v bool) {
	s.mu.Lock()
	s.initialized = v
	s.mu.Unlock()
}

func (s *fakeSubsystem) RequestLoopback(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errors.New("remote down")
	}
	s.loopbacks++
	return nil
}

func (s *fakeSubsystem) refs() (gets, puts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.puts
}

func (s *fakeSubsystem) loopbackRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopbacks
}

type fakeTTY struct {
	index int

	mu        sync.Mutex
	throttled bool
	grant     int
	starve    bool
	staged    [][]byte
	flushes   [][]byte
	events    []string
	breaks    int
	wakeups   int
	requests  []int
}

func (t *fakeTTY) Index() int { return t.index }

func (t *fakeTTY) Throttled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.throttled
}

func (t *fakeTTY) PrepareFlip(n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, n)
	if t.starve {
		return nil
	}
	if t.grant > 0 && n > t.grant {
		n = t.grant
	}
	buf := make([]byte, n)
	t.staged = append(t.staged, buf)
	return buf
}

func (t *fakeTTY) InsertBreak() {
	t.mu.Lock()
	t.breaks++
	t.events = append(t.events, "break")
	t.mu.Unlock()
}

func (t *fakeTTY) Push() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.staged {
		t.flushes = append(t.flushes, b)
		t.events = append(t.events, "data")
	}
	t.staged = nil
}

func (t *fakeTTY) WakeupWriters() {
	t.mu.Lock()
	t.wakeups++
	t.mu.Unlock()
}

func (t *fakeTTY) set(fn func(t *fakeTTY)) {
	t.mu.Lock()
	fn(t)
	t.mu.Unlock()
}

func (t *fakeTTY) flushed() (flushes [][]byte, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.flushes {
		total += len(f)
	}
	return append([][]byte(nil), t.flushes...), total
}

func (t *fakeTTY) breakCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.breaks
}

func (t *fakeTTY) wakeupCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wakeups
}

func (t *fakeTTY) flipRequests() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.requests...)
}
