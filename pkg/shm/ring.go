package shm

import (
	"fmt"
	"sync"
	"unsafe"

	internalshm "github.com/srediag/smd-tty/internal/shm"
)

const (
	ringHeaderSize = 16
	ringHeadOffset = 0
	ringTailOffset = 8
)

// ring is a byte ring laid out in shared memory as
// head 8 byte | tail 8 byte | data.
// head and tail are free-running counters, so head-tail is the fill level.
type ring struct {
	head unsafe.Pointer
	tail unsafe.Pointer
	data []byte
	mask uint64

	wmu sync.Mutex
	rmu sync.Mutex
}

func ringMemSize(capacity int) int {
	return ringHeaderSize + capacity
}

func newRing(mem []byte) (*ring, error) {
	capacity := len(mem) - ringHeaderSize
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring capacity %d is not a power of two", capacity)
	}
	return &ring{
		head: unsafe.Pointer(&mem[ringHeadOffset]),
		tail: unsafe.Pointer(&mem[ringTailOffset]),
		data: mem[ringHeaderSize:],
		mask: uint64(capacity - 1),
	}, nil
}

func (r *ring) capacity() int {
	return len(r.data)
}

func (r *ring) avail() int {
	h := internalshm.AtomicLoadUint64(r.head)
	t := internalshm.AtomicLoadUint64(r.tail)
	return int(h - t)
}

func (r *ring) space() int {
	return r.capacity() - r.avail()
}

func (r *ring) write(p []byte) int {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	h := internalshm.AtomicLoadUint64(r.head)
	t := internalshm.AtomicLoadUint64(r.tail)
	n := r.capacity() - int(h-t)
	if len(p) < n {
		n = len(p)
	}
	for i := 0; i < n; {
		off := (h + uint64(i)) & r.mask
		i += copy(r.data[off:], p[i:n])
	}
	internalshm.AtomicStoreUint64(r.head, h+uint64(n))
	return n
}

func (r *ring) read(p []byte) int {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	h := internalshm.AtomicLoadUint64(r.head)
	t := internalshm.AtomicLoadUint64(r.tail)
	n := int(h - t)
	if len(p) < n {
		n = len(p)
	}
	for i := 0; i < n; {
		off := (t + uint64(i)) & r.mask
		i += copy(p[i:n], r.data[off:])
	}
	internalshm.AtomicStoreUint64(r.tail, t+uint64(n))
	return n
}

// reset drops everything queued. Both ends must be idle.
func (r *ring) reset() {
	r.wmu.Lock()
	r.rmu.Lock()
	internalshm.AtomicStoreUint64(r.head, 0)
	internalshm.AtomicStoreUint64(r.tail, 0)
	r.rmu.Unlock()
	r.wmu.Unlock()
}
