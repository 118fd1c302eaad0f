// Package tty is a small line-discipline port: it owns the flip staging
// slots a driver fills, queues flushed data for readers and carries the
// throttle and writer-wakeup signals between them.
package tty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/smd-tty/api"
	"github.com/srediag/smd-tty/internal/logger"
)

var internalLogger = logger.New("tty", nil)

var (
	// ErrBreak is returned by Read when the driver inserted a break.
	ErrBreak   = errors.New("tty: break")
	ErrClosed  = errors.New("tty: port closed")
	ErrNotOpen = errors.New("tty: port not open")
)

// Ops is the driver side of a port.
type Ops interface {
	Activate(ctx context.Context, t api.TTY) error
	Shutdown(ctx context.Context) error
	Write(p []byte) (int, error)
	WriteRoom() int
	Unthrottle()
}

// Config sizes the staging pool and the throttle thresholds.
type Config struct {
	SlotSize int
	Slots    int
	// MaxGrant caps a single PrepareFlip grant below SlotSize when non-zero.
	MaxGrant int
	// HighWater and LowWater are queued byte counts that set and clear
	// throttling.
	HighWater int
	LowWater  int
	// ReadPoll bounds how long Read sleeps between context checks.
	ReadPoll time.Duration
}

func DefaultConfig() Config {
	return Config{
		SlotSize:  2048,
		Slots:     16,
		HighWater: 12 * 2048,
		LowWater:  4 * 2048,
		ReadPoll:  50 * time.Millisecond,
	}
}

func VerifyConfig(c Config) error {
	if c.SlotSize <= 0 || c.Slots <= 0 {
		return fmt.Errorf("tty: invalid staging pool %d x %d", c.Slots, c.SlotSize)
	}
	if c.MaxGrant < 0 {
		return fmt.Errorf("tty: invalid max grant %d", c.MaxGrant)
	}
	if c.HighWater <= 0 || c.LowWater < 0 || c.LowWater >= c.HighWater {
		return fmt.Errorf("tty: invalid water marks low=%d high=%d", c.LowWater, c.HighWater)
	}
	if c.ReadPoll <= 0 {
		return fmt.Errorf("tty: invalid read poll %s", c.ReadPoll)
	}
	return nil
}

type flip struct {
	s   *slot
	n   int
	brk bool
	gen uint64
}

// Port is one serial device as seen by its readers and writers.
type Port struct {
	index int
	ops   Ops
	conf  Config
	pool  *stagingPool

	openMu sync.Mutex
	opens  int

	mu     sync.Mutex
	staged []*flip
	q      *queue.Queue
	queued int
	gen    uint64

	throttled atomic.Bool

	readMu sync.Mutex
	cur    *flip
	curOff int

	wmu       sync.Mutex
	writeWait chan struct{}
}

var _ api.TTY = (*Port)(nil)

func New(index int, ops Ops, conf Config) (*Port, error) {
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	return &Port{
		index:     index,
		ops:       ops,
		conf:      conf,
		pool:      newStagingPool(conf.SlotSize, conf.Slots),
		q:         queue.New(int64(conf.Slots)),
		writeWait: make(chan struct{}),
	}, nil
}

func (p *Port) Index() int { return p.index }

// Open activates the driver on the first open.
func (p *Port) Open(ctx context.Context) error {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	if p.opens == 0 {
		if err := p.ops.Activate(ctx, p); err != nil {
			return err
		}
		internalLogger.Debugf("port %d activated", p.index)
	}
	p.opens++
	return nil
}

// Close shuts the driver down on the last close and discards unread data.
func (p *Port) Close(ctx context.Context) error {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	if p.opens == 0 {
		return ErrNotOpen
	}
	p.opens--
	if p.opens > 0 {
		return nil
	}
	err := p.ops.Shutdown(ctx)
	p.flush()
	internalLogger.Debugf("port %d shut down", p.index)
	return err
}

func (p *Port) IsOpen() bool {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	return p.opens > 0
}

// flush drops everything staged or queued and wakes blocked readers with
// ErrClosed.
func (p *Port) flush() {
	p.mu.Lock()
	old := p.q
	p.q = queue.New(int64(p.conf.Slots))
	p.gen++
	for _, f := range p.staged {
		if f.s != nil {
			p.pool.recycle(f.s)
		}
	}
	p.staged = nil
	p.queued = 0
	p.mu.Unlock()
	for _, it := range old.Dispose() {
		if f := it.(*flip); f.s != nil {
			p.pool.recycle(f.s)
		}
	}
	p.throttled.Store(false)
}

// Throttled reports whether the driver should stop filling the port.
func (p *Port) Throttled() bool { return p.throttled.Load() }

// PrepareFlip hands out a staging area of up to n bytes, or nil when every
// slot is still waiting for the reader.
func (p *Port) PrepareFlip(n int) []byte {
	if n <= 0 {
		return nil
	}
	grant := min(n, p.conf.SlotSize)
	if p.conf.MaxGrant > 0 {
		grant = min(grant, p.conf.MaxGrant)
	}
	s, err := p.pool.alloc()
	if err != nil {
		return nil
	}
	p.mu.Lock()
	p.staged = append(p.staged, &flip{s: s, n: grant, gen: p.gen})
	p.mu.Unlock()
	return s.data[:grant]
}

func (p *Port) InsertBreak() {
	p.mu.Lock()
	p.staged = append(p.staged, &flip{brk: true, gen: p.gen})
	p.mu.Unlock()
}

// Push hands everything staged since the last Push to readers.
func (p *Port) Push() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.staged {
		if err := p.q.Put(f); err != nil {
			internalLogger.Warnf("port %d: push: %v", p.index, err)
			if f.s != nil {
				p.pool.recycle(f.s)
			}
			continue
		}
		p.queued += f.n
	}
	p.staged = p.staged[:0]
	if p.queued >= p.conf.HighWater && !p.throttled.Load() {
		p.throttled.Store(true)
		internalLogger.Tracef("port %d throttled at %d bytes", p.index, p.queued)
	}
}

// WakeupWriters releases writers waiting for room.
func (p *Port) WakeupWriters() {
	p.wmu.Lock()
	close(p.writeWait)
	p.writeWait = make(chan struct{})
	p.wmu.Unlock()
}

func (p *Port) writeWaitChan() <-chan struct{} {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.writeWait
}

// Read copies queued data into b. It blocks until data, a break, ctx
// cancellation or the last close.
func (p *Port) Read(ctx context.Context, b []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	p.mu.Lock()
	start := p.gen
	p.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		p.mu.Lock()
		q, gen := p.q, p.gen
		p.mu.Unlock()
		if gen != start {
			return 0, ErrClosed
		}
		if p.cur != nil {
			if p.cur.gen == gen {
				break
			}
			// left over from before the last close
			p.release(p.cur)
			p.cur = nil
		}
		items, err := q.Poll(1, p.conf.ReadPoll)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case errors.Is(err, queue.ErrDisposed):
			return 0, ErrClosed
		case err != nil:
			return 0, err
		}
		p.cur, p.curOff = items[0].(*flip), 0
	}
	f := p.cur
	if f.brk {
		p.cur = nil
		return 0, ErrBreak
	}
	n := copy(b, f.s.data[p.curOff:f.n])
	p.curOff += n
	if p.curOff == f.n {
		p.cur = nil
		p.release(f)
	}
	return n, nil
}

func (p *Port) release(f *flip) {
	if f.s != nil {
		p.pool.recycle(f.s)
	}
	p.mu.Lock()
	if f.gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.queued -= f.n
	unthrottle := p.throttled.Load() && p.queued <= p.conf.LowWater
	if unthrottle {
		p.throttled.Store(false)
	}
	p.mu.Unlock()
	if unthrottle {
		internalLogger.Tracef("port %d unthrottled", p.index)
		p.ops.Unthrottle()
	}
}

// Write hands b to the driver, waiting for WakeupWriters whenever the
// driver accepts nothing.
func (p *Port) Write(ctx context.Context, b []byte) (int, error) {
	if !p.IsOpen() {
		return 0, ErrNotOpen
	}
	off := 0
	for off < len(b) {
		wait := p.writeWaitChan()
		n, err := p.ops.Write(b[off:])
		if err != nil {
			return off, err
		}
		off += n
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return off, ctx.Err()
		case <-wait:
		}
	}
	return off, nil
}

// WriteRoom is the space the driver can accept without waiting.
func (p *Port) WriteRoom() int { return p.ops.WriteRoom() }

// Queued is the number of flushed bytes not yet read.
func (p *Port) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// FreeSlots is the number of staging slots available to PrepareFlip.
func (p *Port) FreeSlots() int {
	free, _ := p.pool.stats()
	return free
}
