package tty

import (
	"errors"
	"sync"
)

var ErrNoFreeSlot = errors.New("tty: no free staging slot")

// slot is one fixed-size staging area handed to the driver by PrepareFlip.
type slot struct {
	data   []byte
	offset uint32
	used   bool
}

// stagingPool carves one contiguous region into equally sized slots.
// A slot stays allocated from PrepareFlip until the reader consumed it,
// which is what makes a slow reader push back on the driver.
type stagingPool struct {
	mu    sync.Mutex
	slots []*slot
	mem   []byte
	free  int
}

func newStagingPool(slotSize, count int) *stagingPool {
	p := &stagingPool{
		mem:   make([]byte, slotSize*count),
		slots: make([]*slot, 0, count),
	}
	for off := 0; off+slotSize <= len(p.mem); off += slotSize {
		p.slots = append(p.slots, &slot{
			data:   p.mem[off : off+slotSize],
			offset: uint32(off),
		})
	}
	p.free = len(p.slots)
	return p
}

func (p *stagingPool) alloc() (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if !s.used {
			s.used = true
			p.free--
			return s, nil
		}
	}
	return nil, ErrNoFreeSlot
}

func (p *stagingPool) recycle(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !s.used {
		return
	}
	s.used = false
	p.free++
}

// stats returns free and total slot counts.
func (p *stagingPool) stats() (free, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free, len(p.slots)
}
