// Package lifecycle is the remote subsystem restart service. A subsystem is
// booted by its first reference and shut down when the last one is dropped.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/smd-tty/api"
	"github.com/srediag/smd-tty/internal/logger"
)

var internalLogger = logger.New("lifecycle", nil)

var (
	ErrUnknownSubsystem  = errors.New("lifecycle: unknown subsystem")
	ErrAlreadyRegistered = errors.New("lifecycle: subsystem already registered")
)

// Booter controls one remote processor.
type Booter interface {
	Boot(ctx context.Context) error
	Shutdown()
	Initialized() bool
	RequestLoopback() error
}

type Options struct {
	// BootAttempts is the number of boots tried before Get fails.
	BootAttempts uint64
	BootInterval time.Duration
	// BootTimeout bounds all attempts of one Get.
	BootTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		BootAttempts: 3,
		BootInterval: 100 * time.Millisecond,
		BootTimeout:  10 * time.Second,
	}
}

type subsystem struct {
	name string
	b    Booter

	mu   sync.Mutex
	refs int
}

type ref struct {
	s        *subsystem
	released atomic.Bool
}

func (r *ref) Subsystem() string { return r.s.name }

// Manager implements api.Subsystem over registered Booters.
type Manager struct {
	opts Options
	subs cmap.ConcurrentMap[string, *subsystem]
}

var _ api.Subsystem = (*Manager)(nil)

func NewManager(opts Options) *Manager {
	def := DefaultOptions()
	if opts.BootAttempts == 0 {
		opts.BootAttempts = def.BootAttempts
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = def.BootTimeout
	}
	return &Manager{opts: opts, subs: cmap.New[*subsystem]()}
}

func (m *Manager) Register(name string, b Booter) error {
	if !m.subs.SetIfAbsent(name, &subsystem{name: name, b: b}) {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	return nil
}

func (m *Manager) lookup(name string) (*subsystem, error) {
	s, ok := m.subs.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubsystem, name)
	}
	return s, nil
}

// Get takes a reference on name, booting it when it is the first one.
func (m *Manager) Get(name string) (api.Ref, error) {
	s, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		if err := m.boot(s); err != nil {
			return nil, err
		}
	}
	s.refs++
	internalLogger.Debugf("%s: get, %d refs", name, s.refs)
	return &ref{s: s}, nil
}

func (m *Manager) boot(s *subsystem) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.BootTimeout)
	defer cancel()
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.BootInterval), m.opts.BootAttempts-1),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		return s.b.Boot(ctx)
	}, b, func(err error, next time.Duration) {
		internalLogger.Warnf("%s: boot failed: %v, retrying in %s", s.name, err, next)
	})
	if err != nil {
		internalLogger.Errorf("%s: boot failed: %v", s.name, err)
		return fmt.Errorf("boot %s: %w", s.name, err)
	}
	internalLogger.Infof("%s: booted", s.name)
	return nil
}

// Put drops a reference. The subsystem is shut down with its last reference.
func (m *Manager) Put(r api.Ref) {
	rr, ok := r.(*ref)
	if !ok || rr == nil {
		internalLogger.Errorf("put of a foreign reference %v", r)
		return
	}
	if !rr.released.CompareAndSwap(false, true) {
		internalLogger.Errorf("%s: reference put twice", rr.s.name)
		return
	}
	s := rr.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	internalLogger.Debugf("%s: put, %d refs", s.name, s.refs)
	if s.refs == 0 {
		s.b.Shutdown()
		internalLogger.Infof("%s: shut down", s.name)
	}
}

// Refs is the number of live references on name.
func (m *Manager) Refs(name string) int {
	s, err := m.lookup(name)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

func (m *Manager) Initialized(name string) bool {
	s, err := m.lookup(name)
	if err != nil {
		return false
	}
	return s.b.Initialized()
}

func (m *Manager) RequestLoopback(name string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	return s.b.RequestLoopback()
}

// Restart shuts a referenced subsystem down and boots it again, the way a
// remote crash followed by recovery looks to its users.
func (m *Manager) Restart(ctx context.Context, name string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.Shutdown()
	if s.refs == 0 {
		return nil
	}
	internalLogger.Warnf("%s: restarting with %d refs", name, s.refs)
	if err := s.b.Boot(ctx); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	return nil
}
