//go:build !linux

package shm

import (
	"context"
	"fmt"
)

// MapRegion maps a heap region; /dev/shm backing is only available on Linux.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("map %q: invalid size %d", opts.Name, opts.Size)
	}
	if opts.Type != MemMapTypeHeap {
		return nil, fmt.Errorf("map %q: memory map type %d not supported on this platform", opts.Name, opts.Type)
	}
	return mapHeap(opts), nil
}

// UnmapRegion releases a heap region.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region != nil {
		region.Addr = nil
	}
	return nil
}

func canCreateOnDevShm(size uint64, path string) bool {
	return true
}
