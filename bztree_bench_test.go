package bztree

import (
	"fmt"
	"testing"
)

func BenchmarkInsert(b *testing.B) {
	tree, err := New()
	if err != nil {
		b.Fatal(err)
	}
	defer tree.Close()

	for i := 0; b.Loop(); i++ {
		key := fmt.Appendf(nil, "bench-key-%09d", i)
		if err := tree.Insert(key, uint64(i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRead(b *testing.B) {
	tree, err := New()
	if err != nil {
		b.Fatal(err)
	}
	defer tree.Close()

	const n = 100000
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = fmt.Appendf(nil, "bench-key-%09d", i)
		if err := tree.Insert(keys[i], uint64(i)); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; b.Loop(); i++ {
		if _, err := tree.Read(keys[i%n]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReadParallel(b *testing.B) {
	tree, err := New()
	if err != nil {
		b.Fatal(err)
	}
	defer tree.Close()

	const n = 100000
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = fmt.Appendf(nil, "bench-key-%09d", i)
		if err := tree.Insert(keys[i], uint64(i)); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := tree.Read(keys[i%n]); err != nil {
				b.Fatal(err)
			}
			i++
		}
	})
}
