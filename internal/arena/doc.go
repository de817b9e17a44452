// Package arena provides the node heap: a chunked, off-heap allocator
// that addresses allocations by stable 64-bit offsets.
//
// # Concurrency Model
//
// Alloc is safe for concurrent use (lock-free atomic bump allocation with
// a mutex only on the chunk-grow path). Free and Get are safe to call
// concurrently with Alloc. Close must not race with any other call.
//
// # Handles
//
// An allocation is identified by its global byte offset, which doubles
// as the child-pointer payload stored inside internal index nodes: one
// handle fits one 8-byte word, so a child pointer can be swapped with a
// single compare-and-swap. Offset 0 is reserved as the nil handle.
//
// # Persistence
//
// By default chunks are anonymous mappings and Persist is free. With a
// backing directory each chunk lives in its own file and Persist maps
// to msync over the dirtied range, making the arena a (single-machine)
// stand-in for a persistent-memory heap.
package arena
