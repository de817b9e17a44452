package arena

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocBasics(t *testing.T) {
	a, err := New(1 << 16)
	require.NoError(t, err)
	defer a.Close()

	off, buf, err := a.Alloc(100)
	require.NoError(t, err)
	assert.NotZero(t, off)
	assert.Equal(t, uint64(0), off%8)
	assert.Len(t, buf, 104) // rounded up to alignment

	for _, b := range buf {
		assert.Zero(t, b)
	}

	buf[0] = 0xAB
	resolved := a.Bytes(off, 104)
	assert.Equal(t, byte(0xAB), resolved[0])
}

func TestArena_OffsetZeroReserved(t *testing.T) {
	a, err := New(0)
	require.NoError(t, err)
	defer a.Close()

	off, _, err := a.Alloc(8)
	require.NoError(t, err)
	assert.NotZero(t, off)
}

func TestArena_GrowsChunks(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Close()

	seen := make(map[uint64][]byte)
	for i := range 64 {
		off, buf, err := a.Alloc(1024)
		require.NoError(t, err)
		buf[0] = byte(i)
		seen[off] = buf
	}
	assert.Greater(t, a.Stats().ChunksAllocated, uint64(1))

	// Earlier allocations stay valid across growth.
	for off, buf := range seen {
		assert.Equal(t, buf[0], a.Bytes(off, 1)[0])
	}
}

func TestArena_FreeRecycles(t *testing.T) {
	a, err := New(1 << 16)
	require.NoError(t, err)
	defer a.Close()

	off, buf, err := a.Alloc(256)
	require.NoError(t, err)
	buf[10] = 0xFF
	a.Free(off, 256)

	off2, buf2, err := a.Alloc(256)
	require.NoError(t, err)
	assert.Equal(t, off, off2)
	// Recycled memory comes back zeroed.
	assert.Zero(t, buf2[10])
	assert.Positive(t, a.Stats().BytesRecycled)
}

func TestArena_AllocTooLarge(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Close()

	_, _, err = a.Alloc(1 << 20)
	assert.ErrorIs(t, err, ErrAllocTooLarge)
}

func TestArena_ConcurrentAlloc(t *testing.T) {
	a, err := New(1 << 16)
	require.NoError(t, err)
	defer a.Close()

	var (
		mu      sync.Mutex
		offsets = make(map[uint64]struct{})
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				off, buf, err := a.Alloc(64)
				if err != nil {
					t.Error(err)
					return
				}
				buf[0] = 1
				mu.Lock()
				offsets[off] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every allocation got a distinct offset.
	assert.Len(t, offsets, 8*200)
}

func TestArena_FileBacked(t *testing.T) {
	dir := t.TempDir()
	a, err := New(1<<16, WithDir(dir))
	require.NoError(t, err)

	off, buf, err := a.Alloc(64)
	require.NoError(t, err)
	copy(buf, "persisted bytes")
	require.NoError(t, a.Persist(off, 64))
	require.NoError(t, a.Close())

	// The chunk is backed by a file in dir.
	files, err := filepath.Glob(filepath.Join(dir, "chunk-*.heap"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
}

func TestArena_Word(t *testing.T) {
	a, err := New(0)
	require.NoError(t, err)
	defer a.Close()

	off, _, err := a.Alloc(8)
	require.NoError(t, err)
	w := a.Word(off)
	*w = 0xDEADBEEF
	assert.Equal(t, uint64(0xDEADBEEF), *a.Word(off))
}
