package bztree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bztree/testutil"
)

func newTestTree(t *testing.T, optFns ...Option) *BzTree {
	t.Helper()
	tree, err := New(optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })
	return tree
}

func TestBzTree_EmptyRead(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.Read([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBzTree_InsertRead(t *testing.T) {
	tree := newTestTree(t)

	require.NoError(t, tree.Insert([]byte("key1"), 100))

	v, err := tree.Read([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v)

	assert.ErrorIs(t, tree.Insert([]byte("key1"), 200), ErrKeyExists)

	v, err = tree.Read([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v)
}

func TestBzTree_UpdateDeleteLifecycle(t *testing.T) {
	tree := newTestTree(t)

	require.NoError(t, tree.Insert([]byte("k"), 1))
	require.NoError(t, tree.Update([]byte("k"), 2))

	v, err := tree.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	require.NoError(t, tree.Delete([]byte("k")))
	_, err = tree.Read([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Delete of an absent key reports NotFound.
	assert.ErrorIs(t, tree.Delete([]byte("k")), ErrNotFound)
	assert.ErrorIs(t, tree.Update([]byte("k"), 3), ErrNotFound)
}

func TestBzTree_Upsert(t *testing.T) {
	tree := newTestTree(t)

	require.NoError(t, tree.Upsert([]byte("k"), 1))
	v, err := tree.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	require.NoError(t, tree.Upsert([]byte("k"), 2))
	v, err = tree.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	require.NoError(t, tree.Delete([]byte("k")))
	require.NoError(t, tree.Upsert([]byte("k"), 3))
	v, err = tree.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestBzTree_Validation(t *testing.T) {
	tree := newTestTree(t)

	assert.ErrorIs(t, tree.Insert(nil, 1), ErrEmptyKey)
	_, err := tree.Read([]byte{})
	assert.ErrorIs(t, err, ErrEmptyKey)

	var tooLarge *ErrKeyTooLarge
	err = tree.Insert(make([]byte, 1<<17), 1)
	assert.ErrorAs(t, err, &tooLarge)

	var outOfRange *ErrPayloadOutOfRange
	err = tree.Insert([]byte("k"), 1<<63)
	assert.ErrorAs(t, err, &outOfRange)
}

func TestBzTree_MaxKeyLength(t *testing.T) {
	tree := newTestTree(t, WithNodeSize(1024))

	// Two records must fit a leaf: at 1024-byte nodes the limit is
	// ((1024-16)/2 - 16) &^ 7 = 488 bytes.
	max := make([]byte, 488)
	max[0] = 'a'
	require.NoError(t, tree.Insert(max, 1))
	v, err := tree.Read(max)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	var tooLarge *ErrKeyTooLarge
	err = tree.Insert(make([]byte, 489), 2)
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 488, tooLarge.Max)
}

func TestBzTree_LargeKeysForceTwoRecordSplits(t *testing.T) {
	tree := newTestTree(t, WithNodeSize(1024))

	// Near-maximum records (the limit is 488 bytes at this node size):
	// a leaf fits at most two, so an insert into a full leaf splits a
	// two-record leaf.
	for i := range 32 {
		key := make([]byte, 480)
		copy(key, fmt.Appendf(nil, "big-%03d", i))
		require.NoError(t, tree.Insert(key, uint64(i)))
	}
	for i := range 32 {
		key := make([]byte, 480)
		copy(key, fmt.Appendf(nil, "big-%03d", i))
		v, err := tree.Read(key)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), v)
	}
}

func TestBzTree_BulkInsertSplits(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	tree := newTestTree(t,
		WithNodeSize(1024),
		WithSplitThreshold(512),
		WithMetricsCollector(metrics),
	)

	keys := testutil.SequentialKeys(10000)
	for i, key := range keys {
		require.NoError(t, tree.Insert(key, uint64(i)), "key %s", key)
	}

	// Many leaf and internal splits happened along the way.
	assert.Positive(t, metrics.SplitCount.Load())

	for i, key := range keys {
		v, err := tree.Read(key)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, uint64(i), v)
	}
}

func TestBzTree_RandomKeys(t *testing.T) {
	tree := newTestTree(t, WithNodeSize(1024))
	rng := testutil.NewRNG(7)

	keys := rng.RandomKeys(3000, 1, 40)
	want := make(map[string]uint64, len(keys))
	for _, key := range keys {
		payload := rng.Payload()
		want[string(key)] = payload
		require.NoError(t, tree.Insert(key, payload))
	}

	// Read order must not matter.
	rng.Shuffle(keys)
	for _, key := range keys {
		v, err := tree.Read(key)
		require.NoError(t, err)
		assert.Equal(t, want[string(key)], v)
	}
}

func TestBzTree_DeleteRangeThenConsolidate(t *testing.T) {
	tree := newTestTree(t, WithNodeSize(1024), WithSplitThreshold(512))

	keys := testutil.SequentialKeys(2000)
	for i, key := range keys {
		require.NoError(t, tree.Insert(key, uint64(i)))
	}
	for i := 500; i < 1000; i++ {
		require.NoError(t, tree.Delete(keys[i]))
	}

	require.NoError(t, tree.Consolidate([]byte("750")))

	for i, key := range keys {
		v, err := tree.Read(key)
		if i >= 500 && i < 1000 {
			assert.ErrorIs(t, err, ErrNotFound, "key %s", key)
		} else {
			require.NoError(t, err, "key %s", key)
			assert.Equal(t, uint64(i), v)
		}
	}
}

func TestBzTree_ConcurrentDisjointInserts(t *testing.T) {
	tree := newTestTree(t, WithNodeSize(1024), WithSplitThreshold(512))

	const (
		workers = 8
		perW    = 1000
	)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perW {
				key := fmt.Appendf(nil, "w%02d-%05d", w, i)
				if err := tree.Insert(key, uint64(w*perW+i)); err != nil {
					return fmt.Errorf("insert %s: %w", key, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for w := range workers {
		for i := range perW {
			key := fmt.Appendf(nil, "w%02d-%05d", w, i)
			v, err := tree.Read(key)
			require.NoError(t, err, "key %s", key)
			assert.Equal(t, uint64(w*perW+i), v)
		}
	}
}

func TestBzTree_ConcurrentSameKeyInserts(t *testing.T) {
	tree := newTestTree(t)

	// Exactly one of the racing inserts wins per key.
	const workers = 8
	keys := testutil.SequentialKeys(200)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for _, key := range keys {
				err := tree.Insert(key, uint64(w))
				if err != nil && err != ErrKeyExists {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, key := range keys {
		v, err := tree.Read(key)
		require.NoError(t, err)
		assert.Less(t, v, uint64(workers))
	}
}

func TestBzTree_ConcurrentReadersWithDeleter(t *testing.T) {
	tree := newTestTree(t, WithNodeSize(1024), WithSplitThreshold(512))

	const total = 4000
	keys := testutil.SequentialKeys(total)
	for i, key := range keys {
		require.NoError(t, tree.Insert(key, uint64(i+1)))
	}

	deleted := func(i int) bool { return i >= 1000 && i < 1500 }

	var g errgroup.Group
	for range 10 {
		g.Go(func() error {
			for i, key := range keys {
				v, err := tree.Read(key)
				switch {
				case err == nil:
					// A read must never observe a wrong payload.
					if v != uint64(i+1) {
						return fmt.Errorf("key %s: got payload %d, want %d", key, v, i+1)
					}
				case err == ErrNotFound:
					if !deleted(i) {
						return fmt.Errorf("key %s unexpectedly missing", key)
					}
				default:
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 1000; i < 1500; i++ {
			if err := tree.Delete(keys[i]); err != nil {
				return fmt.Errorf("delete %s: %w", keys[i], err)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	for i, key := range keys {
		v, err := tree.Read(key)
		if deleted(i) {
			assert.ErrorIs(t, err, ErrNotFound)
		} else {
			require.NoError(t, err)
			assert.Equal(t, uint64(i+1), v)
		}
	}
}

func TestBzTree_ConcurrentMixed(t *testing.T) {
	tree := newTestTree(t, WithNodeSize(1024))

	const workers = 6
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			rng := testutil.NewRNG(int64(w))
			for i := range 500 {
				key := fmt.Appendf(nil, "m%04d", rng.Intn(1000))
				switch i % 3 {
				case 0:
					if err := tree.Upsert(key, uint64(i)); err != nil {
						return err
					}
				case 1:
					if _, err := tree.Read(key); err != nil && err != ErrNotFound {
						return err
					}
				default:
					if err := tree.Delete(key); err != nil && err != ErrNotFound {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestBzTree_FileBacked(t *testing.T) {
	tree := newTestTree(t, WithDir(t.TempDir()), WithNodeSize(1024))

	keys := testutil.SequentialKeys(500)
	for i, key := range keys {
		require.NoError(t, tree.Insert(key, uint64(i)))
	}
	for i, key := range keys {
		v, err := tree.Read(key)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), v)
	}
}

func TestBzTree_Metrics(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	tree := newTestTree(t, WithMetricsCollector(metrics))

	require.NoError(t, tree.Insert([]byte("k"), 1))
	_, _ = tree.Read([]byte("k"))
	_ = tree.Update([]byte("k"), 2)
	_ = tree.Delete([]byte("k"))

	assert.Equal(t, int64(1), metrics.InsertCount.Load())
	assert.Equal(t, int64(1), metrics.ReadCount.Load())
	assert.Equal(t, int64(1), metrics.UpdateCount.Load())
	assert.Equal(t, int64(1), metrics.DeleteCount.Load())
}

func TestBzTree_Dump(t *testing.T) {
	tree := newTestTree(t, WithNodeSize(256))
	for i := range 50 {
		require.NoError(t, tree.Insert(fmt.Appendf(nil, "key-%02d", i), uint64(i)))
	}

	var buf bytes.Buffer
	tree.Dump(&buf)
	out := buf.String()
	assert.Contains(t, out, "leaf")
	assert.Contains(t, out, "internal")
	assert.Contains(t, out, "key-00")
}

func TestBzTree_InvalidOptions(t *testing.T) {
	_, err := New(WithNodeSize(10))
	assert.Error(t, err)

	_, err = New(WithNodeSize(1001))
	assert.Error(t, err)
}
