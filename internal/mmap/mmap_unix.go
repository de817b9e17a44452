//go:build !windows

package mmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func osMapAnon(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data, unix.Munmap, nil
}

func osMapFile(f *os.File, size int) ([]byte, func([]byte) error, func([]byte) error, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED)
	if err != nil {
		return nil, nil, nil, err
	}

	// msync requires a page-aligned start address, so widen the range
	// down to the containing page boundary.
	sync := func(b []byte) error {
		base := uintptr(unsafe.Pointer(&data[0]))
		off := uintptr(unsafe.Pointer(&b[0])) - base
		page := uintptr(os.Getpagesize())
		start := off &^ (page - 1)
		end := off + uintptr(len(b))
		return unix.Msync(data[start:end], unix.MS_SYNC)
	}

	return data, unix.Munmap, sync, nil
}
