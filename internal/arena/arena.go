package arena

import (
	"errors"
	"fmt"
	"math/bits"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/bztree/internal/mmap"
)

var (
	// ErrMaxChunksExceeded is returned when the arena exceeds the maximum number of chunks.
	ErrMaxChunksExceeded = errors.New("arena: max chunks exceeded")
	// ErrAllocTooLarge is returned when a single allocation exceeds the chunk size.
	ErrAllocTooLarge = errors.New("arena: allocation exceeds chunk size")
)

const (
	// DefaultChunkSize is the default size of a chunk (1MB).
	DefaultChunkSize = 1024 * 1024
	// DefaultAlignment is the allocation alignment. Eight bytes so every
	// word inside a node is a valid PMwCAS target.
	DefaultAlignment = 8
	// MaxChunks limits the number of chunks. With 1MB chunks this caps
	// the arena at 64GB of addressable node space.
	MaxChunks = 65536
)

// Stats tracks arena usage.
type Stats struct {
	ChunksAllocated uint64 // Total chunks ever created
	BytesReserved   uint64 // Memory reserved from the OS
	BytesUsed       uint64 // Bytes handed out by Alloc
	BytesRecycled   uint64 // Bytes served from the free list
	TotalAllocs     uint64 // Cumulative allocation count
}

type atomicStats struct {
	ChunksAllocated atomic.Uint64
	BytesReserved   atomic.Uint64
	BytesUsed       atomic.Uint64
	BytesRecycled   atomic.Uint64
	TotalAllocs     atomic.Uint64
}

type chunk struct {
	data    []byte
	mapping *mmap.Mapping
	offset  atomic.Int64 // bump pointer; accessed concurrently without locks
	index   uint32
}

// Arena is the node heap. Allocations never move, so their global
// offsets are stable handles for the lifetime of the arena.
type Arena struct {
	chunkSize int
	chunkBits int
	chunkMask uint64
	dir       string // backing directory; empty means anonymous memory

	chunks     [MaxChunks]atomic.Pointer[chunk]
	chunkCount atomic.Uint32
	current    atomic.Pointer[chunk]
	mu         sync.Mutex

	// Retired blocks, recycled by size class. Nodes are a handful of
	// fixed sizes, so exact-size buckets stay small.
	freeMu sync.Mutex
	freed  map[int][]uint64

	stats atomicStats
}

// Option configures an Arena.
type Option func(*Arena)

// WithDir backs chunks with files under dir, making Persist durable.
func WithDir(dir string) Option {
	return func(a *Arena) {
		a.dir = dir
	}
}

// New creates an Arena with the given chunk size, rounded up to the
// next power of two. A chunkSize of zero or less selects the default.
func New(chunkSize int, opts ...Option) (*Arena, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunkBits := bits.Len(uint(chunkSize - 1))
	chunkSize = 1 << chunkBits

	a := &Arena{
		chunkSize: chunkSize,
		chunkBits: chunkBits,
		chunkMask: uint64(chunkSize - 1),
		freed:     make(map[int][]uint64),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.grow(); err != nil {
		return nil, err
	}
	// Reserve offset 0 as the nil handle.
	if _, _, err := a.Alloc(DefaultAlignment); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) grow() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.growLocked()
}

func (a *Arena) growLocked() error {
	idx := a.chunkCount.Load()
	if idx >= MaxChunks {
		return ErrMaxChunksExceeded
	}

	var (
		m   *mmap.Mapping
		err error
	)
	if a.dir == "" {
		m, err = mmap.MapAnon(a.chunkSize)
	} else {
		m, err = mmap.MapFile(filepath.Join(a.dir, fmt.Sprintf("chunk-%05d.heap", idx)), a.chunkSize)
	}
	if err != nil {
		return fmt.Errorf("arena: failed to map chunk %d: %w", idx, err)
	}

	c := &chunk{
		data:    m.Bytes(),
		mapping: m,
		index:   idx,
	}

	// Get is lock-free, so the chunk pointer must be published
	// atomically before the count that makes it reachable.
	a.chunks[idx].Store(c)
	a.chunkCount.Add(1)

	a.stats.ChunksAllocated.Add(1)
	a.stats.BytesReserved.Add(uint64(a.chunkSize))

	// Make visible to Alloc last.
	a.current.Store(c)
	return nil
}

// Alloc returns size bytes of zeroed arena memory and its global
// offset. The offset is stable and non-zero.
func (a *Arena) Alloc(size int) (uint64, []byte, error) {
	size = (size + DefaultAlignment - 1) &^ (DefaultAlignment - 1)
	if size > a.chunkSize {
		return 0, nil, ErrAllocTooLarge
	}

	a.stats.TotalAllocs.Add(1)

	if off, ok := a.popFree(size); ok {
		buf := a.Bytes(off, size)
		clear(buf)
		a.stats.BytesRecycled.Add(uint64(size))
		return off, buf, nil
	}

	for {
		c := a.current.Load()
		end := c.offset.Add(int64(size))
		if end <= int64(a.chunkSize) {
			start := end - int64(size)
			global := uint64(c.index)<<a.chunkBits | uint64(start)
			a.stats.BytesUsed.Add(uint64(size))
			return global, c.data[start:end:end], nil
		}

		// Chunk exhausted; grow under the lock, re-checking that no
		// other thread grew it first.
		a.mu.Lock()
		if a.current.Load() == c {
			if err := a.growLocked(); err != nil {
				a.mu.Unlock()
				return 0, nil, err
			}
		}
		a.mu.Unlock()
	}
}

// Free recycles a block for reuse by later Allocs of the same size.
// The caller must guarantee no reader can still reference the block.
func (a *Arena) Free(off uint64, size int) {
	if off == 0 {
		return
	}
	size = (size + DefaultAlignment - 1) &^ (DefaultAlignment - 1)
	a.freeMu.Lock()
	a.freed[size] = append(a.freed[size], off)
	a.freeMu.Unlock()
}

func (a *Arena) popFree(size int) (uint64, bool) {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()
	list := a.freed[size]
	if len(list) == 0 {
		return 0, false
	}
	off := list[len(list)-1]
	a.freed[size] = list[:len(list)-1]
	return off, true
}

// Bytes returns the n-byte slice at the given global offset.
func (a *Arena) Bytes(off uint64, n int) []byte {
	c := a.chunks[off>>a.chunkBits].Load()
	local := off & a.chunkMask
	return c.data[local : local+uint64(n) : local+uint64(n)]
}

// Get returns a pointer to the byte at the given global offset.
func (a *Arena) Get(off uint64) unsafe.Pointer {
	c := a.chunks[off>>a.chunkBits].Load()
	return unsafe.Pointer(&c.data[off&a.chunkMask])
}

// Word returns the 8-byte word at the given global offset as an atomic
// CAS target. The offset must be 8-byte aligned.
func (a *Arena) Word(off uint64) *uint64 {
	return (*uint64)(a.Get(off))
}

// Persist flushes the byte range at off to the backing store. For
// anonymous arenas this is a no-op.
func (a *Arena) Persist(off uint64, n int) error {
	if a.dir == "" {
		return nil
	}
	c := a.chunks[off>>a.chunkBits].Load()
	local := off & a.chunkMask
	return c.mapping.Sync(c.data[local : local+uint64(n)])
}

// Stats returns a snapshot of the usage counters.
func (a *Arena) Stats() Stats {
	return Stats{
		ChunksAllocated: a.stats.ChunksAllocated.Load(),
		BytesReserved:   a.stats.BytesReserved.Load(),
		BytesUsed:       a.stats.BytesUsed.Load(),
		BytesRecycled:   a.stats.BytesRecycled.Load(),
		TotalAllocs:     a.stats.TotalAllocs.Load(),
	}
}

// Close unmaps all chunks. No allocation may be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	for i := uint32(0); i < a.chunkCount.Load(); i++ {
		c := a.chunks[i].Load()
		if c == nil {
			continue
		}
		if closeErr := c.mapping.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		a.chunks[i].Store(nil)
	}
	return err
}
