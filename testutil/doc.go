// Package testutil provides testing utilities for bztree.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded, thread-safe random number generator and
// helpers for generating key sets.
//
// # Random Keys
//
//	rng := testutil.NewRNG(seed)
//	keys := rng.RandomKeys(1000, 4, 32) // 1000 unique keys, 4-32 bytes
//
// # Sequential Keys
//
//	keys := testutil.SequentialKeys(10000) // "0" .. "9999"
package testutil
