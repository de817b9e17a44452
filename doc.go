// Package bztree provides a latch-free, persistence-aware B+-tree index
// for Go, mapping variable-length binary keys to 64-bit payloads.
//
// The tree keeps its nodes in an off-heap arena and performs every
// mutation — record inserts, payload updates, logical deletes, node
// splits, consolidations and root swaps — through a persistent
// multi-word compare-and-swap (PMwCAS) primitive. Readers run without
// any synchronization beyond an epoch guard: node layouts are
// self-describing and every visible state transition is a single
// atomic word update.
//
// # Quick Start
//
//	tree, err := bztree.New()
//	if err != nil {
//	    panic(err)
//	}
//	defer tree.Close()
//
//	if err := tree.Insert([]byte("answer"), 42); err != nil {
//	    panic(err)
//	}
//	v, err := tree.Read([]byte("answer")) // 42, nil
//
// Insert, Read, Update, Upsert and Delete are safe for concurrent use
// from any number of goroutines. Structure modifications (splits,
// consolidations) happen as a side effect of writes; stalled ones are
// completed cooperatively by whichever operation encounters them.
//
// # Durability
//
// With WithDir the node heap is backed by files and every node is
// flushed before the atomic operation that makes it reachable commits,
// mirroring how the index would behave on persistent memory. Without
// it the tree is a fast volatile index with the same concurrency
// behavior. Snapshot/Restore stream the live entries to and from an
// io.Writer/io.Reader with optional zstd or lz4 compression.
//
// # Limits
//
// Two records must fit into a single leaf so that a full leaf can
// always split, which bounds the maximum key length at roughly half
// the configured node size (and never above 65520 bytes). Payloads
// are 8-byte words that
// share their storage with the PMwCAS control bits, so the top three
// bits must be zero (values below 1<<61). Range scans and node merging
// are not provided; leaves dominated by deleted records are rebuilt by
// consolidation instead.
package bztree
