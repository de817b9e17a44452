// Package mmap provides anonymous and file-backed memory mappings for
// the node arena.
//
// # Overview
//
// The index keeps its nodes in large off-heap chunks so that node words
// can be targeted by atomic operations without the Go garbage collector
// moving or scanning them. Anonymous mappings back the default volatile
// arena; file-backed mappings back the persistent arena, where Sync
// maps onto msync and acts as the durable-flush primitive.
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) / msync(2)
//   - Windows: VirtualAlloc / CreateFileMapping with FlushViewOfFile
//
// # Thread Safety
//
// A Mapping's Bytes slice is safe for concurrent access. Close is
// idempotent and protected by an atomic flag, but callers must ensure
// no goroutine touches the slice after Close returns.
package mmap
