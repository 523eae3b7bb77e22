//go:build unix

// mmap.go provides the file-backed region used in place of a DAX device.
//
// The whole file is mapped MAP_SHARED; Flush issues MS_ASYNC for the
// enclosing pages (the mapping already survives a process crash), Sync and
// Close issue MS_SYNC so the data also survives a machine crash.

package pmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type mmapBackend struct {
	file *os.File
}

// OpenMmap maps the file at path as a region of the given size.
//
// If the file does not exist it is created and extended to size. If it
// exists and size is zero, the current file size is used; a non-zero size
// must match the existing file.
func OpenMmap(path string, size uint64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open region file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat region file: %w", err)
	}

	current := uint64(info.Size())
	switch {
	case current == 0 && size == 0:
		f.Close()
		return nil, fmt.Errorf("region %s is empty and no size was given", path)
	case current == 0:
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate region file: %w", err)
		}
	case size == 0:
		size = current
	case size != current:
		f.Close()
		return nil, fmt.Errorf("region %s has size %d, want %d", path, current, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return newRegion(data, &mmapBackend{file: f}), nil
}

func (b *mmapBackend) flush(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_ASYNC)
}

func (b *mmapBackend) sync(data []byte) error {
	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

func (b *mmapBackend) close(data []byte) error {
	if data != nil {
		_ = unix.Msync(data, unix.MS_SYNC)

		if err := unix.Munmap(data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
	}

	if b.file != nil {
		if err := b.file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		b.file = nil
	}

	return nil
}
