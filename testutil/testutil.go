package testutil

import (
	"math/rand"
	"strconv"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Payload returns a pseudo-random payload with the reserved control
// bits clear.
func (r *RNG) Payload() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64() & (1<<61 - 1)
}

// FillBytes fills dst with random bytes.
// Locks only once per call (preferred over calling Intn in a loop).
func (r *RNG) FillBytes(dst []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = byte(r.rand.Intn(256))
	}
}

// RandomKeys generates num unique random keys with lengths in
// [minLen, maxLen].
func (r *RNG) RandomKeys(num, minLen, maxLen int) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([][]byte, 0, num)
	seen := make(map[string]struct{}, num)
	for len(keys) < num {
		n := minLen + r.rand.Intn(maxLen-minLen+1)
		key := make([]byte, n)
		for i := range key {
			key[i] = byte(r.rand.Intn(256))
		}
		if _, ok := seen[string(key)]; ok {
			continue
		}
		seen[string(key)] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// Shuffle permutes the keys in place.
func (r *RNG) Shuffle(keys [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
}

// SequentialKeys returns the decimal string forms of 0..num-1.
func SequentialKeys(num int) [][]byte {
	keys := make([][]byte, num)
	for i := range keys {
		keys[i] = []byte(strconv.Itoa(i))
	}
	return keys
}
