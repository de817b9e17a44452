// Package node implements the latch-free index node layout: a
// self-describing fixed block holding a status word, a record metadata
// array growing up from the header, and a key/payload data region
// growing down from the top.
//
// All cross-thread state lives in 8-byte words (the status word, one
// metadata word per record, one payload word per record) and is only
// mutated through PMwCAS, which is what lets readers proceed without
// latches. Everything else in a node is written before readers can
// see it: header fields before the node becomes reachable, and record
// bytes after their space is reserved but before the record turns
// visible.
package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"github.com/hupe1980/bztree/pmwcas"
)

// Space is the allocation and persistence interface the node layer
// consumes. The arena implements it; a persistent-memory heap could be
// swapped in behind the same methods.
type Space interface {
	// Alloc returns size bytes of zeroed memory and its stable handle.
	Alloc(size int) (uint64, []byte, error)
	// Bytes resolves a handle to its backing bytes.
	Bytes(off uint64, n int) []byte
	// Free recycles a block once no reader can reference it.
	Free(off uint64, size int)
	// Persist makes the byte range durable before it becomes reachable.
	Persist(off uint64, n int) error
}

const (
	// HeaderSize is the fixed node header: status word, packed
	// leaf-flag/size word and sorted count.
	HeaderSize = 16
	// MetadataSize is the size of one record metadata word.
	MetadataSize = 8

	leafFlag = uint32(1) << 31

	offSize        = 8
	offSortedCount = 12
)

// Node is a view over one node block. It is a small value type; copying
// it does not copy the node.
type Node struct {
	ref uint64
	buf []byte
}

// alloc carves a fresh node of the given size out of the space.
func alloc(sp Space, size int, leaf bool) (Node, error) {
	ref, buf, err := sp.Alloc(size)
	if err != nil {
		return Node{}, err
	}
	packed := uint32(size)
	if leaf {
		packed |= leafFlag
	}
	putUint32(buf[offSize:], packed)
	return Node{ref: ref, buf: buf}, nil
}

// Open resolves a node handle. The handle must have been produced by a
// constructor in this package.
func Open(sp Space, ref uint64) Node {
	hdr := sp.Bytes(ref, HeaderSize)
	size := int(getUint32(hdr[offSize:]) &^ leafFlag)
	return Node{ref: ref, buf: sp.Bytes(ref, size)}
}

// IsNil reports whether this is the zero Node.
func (n Node) IsNil() bool { return n.ref == 0 }

// Ref returns the node's handle, the value stored in parent payloads.
func (n Node) Ref() uint64 { return n.ref }

// Size returns the node block size in bytes.
func (n Node) Size() int { return int(getUint32(n.buf[offSize:]) &^ leafFlag) }

// IsLeaf reports whether the node is a leaf.
func (n Node) IsLeaf() bool { return getUint32(n.buf[offSize:])&leafFlag != 0 }

// SortedCount returns the length of the key-ordered metadata prefix.
// It is written during construction only.
func (n Node) SortedCount() int { return int(getUint32(n.buf[offSortedCount:])) }

func (n Node) setSortedCount(c int) { putUint32(n.buf[offSortedCount:], uint32(c)) }

// StatusAddr returns the PMwCAS target address of the status word.
func (n Node) StatusAddr() *uint64 {
	return (*uint64)(unsafe.Pointer(&n.buf[0]))
}

// Status reads the status word, resolving in-flight descriptors.
func (n Node) Status(pool *pmwcas.DescriptorPool) StatusWord {
	return StatusWord(pool.Read(n.StatusAddr()))
}

func (n Node) setStatus(s StatusWord) {
	*(*uint64)(unsafe.Pointer(&n.buf[0])) = uint64(s)
}

// MetaAddr returns the PMwCAS target address of metadata slot i.
func (n Node) MetaAddr(i int) *uint64 {
	return (*uint64)(unsafe.Pointer(&n.buf[HeaderSize+i*MetadataSize]))
}

// Meta reads metadata slot i, resolving in-flight descriptors.
func (n Node) Meta(pool *pmwcas.DescriptorPool, i int) RecordMetadata {
	return RecordMetadata(pool.Read(n.MetaAddr(i)))
}

func (n Node) setMeta(i int, m RecordMetadata) {
	*(*uint64)(unsafe.Pointer(&n.buf[HeaderSize+i*MetadataSize])) = uint64(m)
}

// Key returns the key bytes of a visible record.
func (n Node) Key(m RecordMetadata) []byte {
	return n.buf[m.Offset() : m.Offset()+m.KeyLength()]
}

// PayloadAddr returns the PMwCAS target address of the record's payload
// word, which sits behind the padded key.
func (n Node) PayloadAddr(m RecordMetadata) *uint64 {
	return (*uint64)(unsafe.Pointer(&n.buf[m.Offset()+m.PaddedKeyLength()]))
}

// Payload reads the record's payload word.
func (n Node) Payload(pool *pmwcas.DescriptorPool, m RecordMetadata) uint64 {
	return pool.Read(n.PayloadAddr(m))
}

// FreeSpace returns the bytes still available between the metadata
// array and the data region under the given status.
func (n Node) FreeSpace(s StatusWord) int {
	return n.Size() - HeaderSize - s.RecordCount()*MetadataSize - s.BlockSize()
}

// compareKeys orders keys bytewise with shorter-prefix-first tiebreak,
// the order used everywhere in the index.
func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// SearchRecordMeta looks key up in slots [start, end). The sorted
// prefix is binary-searched, walking sideways over deleted records;
// the unsorted suffix is scanned linearly. With checkConcurrency set,
// an in-flight insert in the unsorted region is returned as-is so the
// caller can re-check; otherwise such slots are skipped.
//
// The returned index addresses the slot for subsequent CAS attempts;
// the metadata value is the snapshot those attempts should expect.
func (n Node) SearchRecordMeta(pool *pmwcas.DescriptorPool, key []byte, start, end int, checkConcurrency bool) (RecordMetadata, int, bool) {
	sorted := n.SortedCount()

	if start < sorted {
		first := start
		last := min(end, sorted) - 1
		for first <= last {
			mid := (first + last) / 2
			m := n.Meta(pool, mid)

			// Deleted slot at the midpoint: drift left, then right,
			// looking for a visible neighbor inside the window.
			for !m.IsVisible() && first < mid {
				mid--
				m = n.Meta(pool, mid)
			}
			if !m.IsVisible() {
				mid = (first + last) / 2
				m = n.Meta(pool, mid)
				for !m.IsVisible() && mid < last {
					mid++
					m = n.Meta(pool, mid)
				}
			}
			if !m.IsVisible() {
				// The whole window is deleted.
				break
			}

			switch cmp := compareKeys(key, n.Key(m)); {
			case cmp == 0:
				return m, mid, true
			case cmp < 0:
				last = mid - 1
			default:
				first = mid + 1
			}
		}
	}

	count := n.Status(pool).RecordCount()
	for i := max(start, sorted); i < min(end, count); i++ {
		m := n.Meta(pool, i)
		if m.IsInserting() {
			if checkConcurrency {
				return m, i, true
			}
			continue
		}
		if m.IsVisible() && m.KeyLength() == len(key) && bytes.Equal(key, n.Key(m)) {
			return m, i, true
		}
	}
	return 0, 0, false
}

// Freeze closes the node for mutations with a one-word PMwCAS. It
// returns false if the node is already frozen or the status word moved.
func (n Node) Freeze(pool *pmwcas.DescriptorPool) bool {
	s := n.Status(pool)
	if s.IsFrozen() {
		return false
	}
	d := pool.Allocate()
	d.AddEntry(n.StatusAddr(), uint64(s), uint64(s.Frozen()))
	return d.MwCAS()
}

// Dump writes a diagnostic rendering of the node to w.
func (n Node) Dump(pool *pmwcas.DescriptorPool, w io.Writer) {
	s := n.Status(pool)
	kind := "internal"
	if n.IsLeaf() {
		kind = "leaf"
	}
	fmt.Fprintf(w, "node %#x (%s)\n", n.ref, kind)
	fmt.Fprintf(w, "  status: frozen=%v records=%d block=%d deleted=%d sorted=%d free=%d\n",
		s.IsFrozen(), s.RecordCount(), s.BlockSize(), s.DeleteSize(), n.SortedCount(), n.FreeSpace(s))

	count := s.RecordCount()
	if !n.IsLeaf() {
		count = n.SortedCount()
	}
	for i := 0; i < count; i++ {
		m := n.Meta(pool, i)
		switch {
		case m.IsVacant():
			fmt.Fprintf(w, "  [%d] vacant\n", i)
		case m.IsInserting():
			fmt.Fprintf(w, "  [%d] inserting (epoch %d)\n", i, m.InsertEpoch())
		case m.IsDeleted():
			fmt.Fprintf(w, "  [%d] deleted (klen=%d tlen=%d)\n", i, m.KeyLength(), m.TotalLength())
		default:
			fmt.Fprintf(w, "  [%d] %q -> %#x (off=%d)\n",
				i, n.Key(m), n.Payload(pool, m), m.Offset())
		}
	}
}

func getUint32(b []byte) uint32  { return binary.LittleEndian.Uint32(b) }
func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
