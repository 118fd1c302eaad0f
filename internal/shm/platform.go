// Package shm contains platform-specific helpers for the shared-memory rings.
package shm

import (
	"errors"
	"os"
)

// MemMapType selects where ring memory comes from.
type MemMapType uint8

const (
	// MemMapTypeHeap backs rings with ordinary process memory.
	MemMapTypeHeap MemMapType = iota
	// MemMapTypeDevShmFile backs rings with a file under /dev/shm.
	MemMapTypeDevShmFile
)

// ErrShareMemoryHadNotLeftSpace is returned when /dev/shm cannot hold the region.
var ErrShareMemoryHadNotLeftSpace = errors.New("shm: share memory had not left space")

// MappedRegion represents a mapped shared region.
type MappedRegion struct {
	Addr []byte

	path    string
	fd      int
	mapType MemMapType
	created bool
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name   string
	Size   int
	Create bool
	Type   MemMapType
}

// Type reports how the region was mapped.
func (r *MappedRegion) Type() MemMapType {
	return r.mapType
}

// Path is the backing file, empty for heap regions.
func (r *MappedRegion) Path() string {
	return r.path
}

func mapHeap(opts MapOptions) *MappedRegion {
	return &MappedRegion{Addr: make([]byte, opts.Size), fd: -1, mapType: MemMapTypeHeap}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
