// Package wakelock tracks suspend-blocking hints. A Lock is either held
// until Unlock or held until a timeout expires; the Manager counts the
// locks that exist and the ones currently held.
package wakelock

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/smd-tty/internal/logger"
)

var internalLogger = logger.New("wakelock", nil)

type Manager struct {
	locks cmap.ConcurrentMap[string, *Lock]
}

func NewManager() *Manager {
	return &Manager{locks: cmap.New[*Lock]()}
}

// Init registers a lock under name. A previous lock with the same name is
// destroyed.
func (m *Manager) Init(name string) *Lock {
	l := &Lock{name: name, m: m}
	if old, ok := m.locks.Get(name); ok {
		internalLogger.Warnf("wake lock %s initialized twice", name)
		old.Destroy()
	}
	m.locks.Set(name, l)
	return l
}

// Count is the number of registered locks.
func (m *Manager) Count() int { return m.locks.Count() }

// Active lists the names of the held locks.
func (m *Manager) Active() []string {
	var names []string
	for item := range m.locks.IterBuffered() {
		if item.Val.Held() {
			names = append(names, item.Key)
		}
	}
	return names
}

// Lock is one named hint.
type Lock struct {
	name string
	m    *Manager

	mu        sync.Mutex
	held      bool
	timer     *time.Timer
	seq       uint64
	destroyed bool
}

func (l *Lock) Name() string { return l.name }

func (l *Lock) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	l.stopTimer()
	l.held = true
}

// LockTimeout holds the lock for d, replacing any earlier deadline.
func (l *Lock) LockTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	l.stopTimer()
	l.held = true
	seq := l.seq
	l.timer = time.AfterFunc(d, func() { l.expire(seq) })
}

func (l *Lock) expire(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq != l.seq {
		return
	}
	l.held = false
	l.timer = nil
}

func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimer()
	l.held = false
}

func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Destroy releases and unregisters the lock. It is inert afterwards.
func (l *Lock) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.stopTimer()
	l.held = false
	l.destroyed = true
	l.mu.Unlock()
	l.m.locks.RemoveCb(l.name, func(_ string, v *Lock, exists bool) bool {
		return exists && v == l
	})
}

func (l *Lock) stopTimer() {
	l.seq++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
