package mmap

import (
	"errors"
	"os"
	"sync/atomic"
)

var (
	// ErrClosed is returned when accessing a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for non-positive mapping sizes.
	ErrInvalidSize = errors.New("mmap: invalid size")
)

// Mapping is a read-write memory mapping, either anonymous or backed by
// a file. It owns the underlying byte slice and is responsible for
// unmapping it.
type Mapping struct {
	data   []byte
	size   int
	closed atomic.Bool
	file   *os.File
	unmap  func([]byte) error
	sync   func([]byte) error
}

// MapAnon creates an anonymous read-write mapping of the given size.
// The memory is outside the Go heap and is not scanned by the GC.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	data, unmapFunc, err := osMapAnon(size)
	if err != nil {
		return nil, err
	}
	return &Mapping{
		data:  data,
		size:  size,
		unmap: unmapFunc,
		sync:  func([]byte) error { return nil },
	}, nil
}

// MapFile creates (or opens) the file at path, grows it to size bytes
// and maps it read-write and shared. Sync flushes dirtied pages back to
// the file.
func MapFile(path string, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	data, unmapFunc, syncFunc, err := osMapFile(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Mapping{
		data:  data,
		size:  size,
		file:  f,
		unmap: unmapFunc,
		sync:  syncFunc,
	}, nil
}

// Bytes returns the mapped byte slice. The slice is valid only until
// Close is called.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the mapping size in bytes.
func (m *Mapping) Size() int {
	return m.size
}

// Sync flushes the given subrange of the mapping to its backing store.
// The slice must lie within Bytes. Anonymous mappings have no backing
// store and Sync is a no-op for them.
func (m *Mapping) Sync(b []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(b) == 0 {
		return nil
	}
	return m.sync(b)
}

// Close unmaps the memory and closes the backing file, if any. It is
// idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	var err error
	if m.unmap != nil && m.data != nil {
		err = m.unmap(m.data)
		m.data = nil
	}
	if m.file != nil {
		if closeErr := m.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.file = nil
	}
	return err
}
