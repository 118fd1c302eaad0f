//go:build linux

package shm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

const devShm = "/dev/shm"

// MapRegion maps or creates a shared memory region (Linux implementation).
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("map %q: invalid size %d", opts.Name, opts.Size)
	}
	if opts.Type == MemMapTypeHeap {
		return mapHeap(opts), nil
	}
	shmPath := filepath.Join(devShm, opts.Name)
	flags := unix.O_RDWR
	if opts.Create {
		if !canCreateOnDevShm(uint64(opts.Size), shmPath) {
			return nil, fmt.Errorf("%w: path:%s size:%d", ErrShareMemoryHadNotLeftSpace, shmPath, opts.Size)
		}
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(shmPath, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if opts.Create {
		for i := range addr {
			addr[i] = 0
		}
	}
	return &MappedRegion{
		Addr:    addr,
		path:    shmPath,
		fd:      fd,
		mapType: MemMapTypeDevShmFile,
		created: opts.Create,
	}, nil
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
// A region created by MapRegion also has its backing file removed.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if region.mapType == MemMapTypeHeap {
		region.Addr = nil
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if err := unix.Close(region.fd); err != nil {
		return fmt.Errorf("close fd %d: %w", region.fd, err)
	}
	if region.created && pathExists(region.path) {
		if err := os.Remove(region.path); err != nil {
			return fmt.Errorf("remove %s: %w", region.path, err)
		}
	}
	return nil
}

// canCreateOnDevShm only checks paths under /dev/shm, anything else is
// assumed to fit.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShm) {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		return false
	}
	return stat.Free >= size
}
