package node

import (
	"encoding/binary"
	"slices"

	"github.com/hupe1980/bztree/pmwcas"
)

// Internal nodes hold K separator keys as K+1 records in sorted order.
// Record 0 carries an empty key (the minus-infinity child); the child
// behind separator k covers keys strictly greater than k, so a key
// equal to a separator routes left of it. Internal nodes are immutable
// except for child-pointer payload swaps: every structural change
// builds a replacement node. The status record count stays zero as the
// sentinel for that; the sorted count is authoritative.

// NewInternal builds a fresh two-child internal node, used when a split
// grows the tree by one level.
func NewInternal(sp Space, key []byte, leftRef, rightRef uint64) (Node, error) {
	paddedKey := PadKeyLength(len(key))
	size := HeaderSize + 2*MetadataSize + PayloadSize + paddedKey + PayloadSize
	n, err := alloc(sp, size, false)
	if err != nil {
		return Node{}, err
	}

	offset := size - PayloadSize
	binary.LittleEndian.PutUint64(n.buf[offset:], leftRef)
	n.setMeta(0, FinalizeForInsert(offset, 0, PayloadSize))

	total := paddedKey + PayloadSize
	offset -= total
	copy(n.buf[offset:], key)
	binary.LittleEndian.PutUint64(n.buf[offset+paddedKey:], rightRef)
	n.setMeta(1, FinalizeForInsert(offset, len(key), total))

	n.setStatus(MakeStatus(0, size-offset, 0, false))
	n.setSortedCount(2)
	if err := sp.Persist(n.ref, size); err != nil {
		return Node{}, err
	}
	return n, nil
}

// NewInternalFrom clones src with the separator key inserted in order:
// the new record's payload is rightRef and the payload of the record
// preceding it (the child that was split) is rewritten to leftRef.
func NewInternalFrom(sp Space, src Node, key []byte, leftRef, rightRef uint64, pool *pmwcas.DescriptorPool) (Node, error) {
	return newInternalRange(sp, src, 0, src.SortedCount(), key, leftRef, rightRef, pool)
}

// CloneInternal builds an unfrozen copy of an internal node with the
// same records. It is used to replace a node left frozen by an aborted
// structure modification.
func (n Node) CloneInternal(sp Space, pool *pmwcas.DescriptorPool) (Node, error) {
	return newInternalRange(sp, n, 0, n.SortedCount(), nil, 0, 0, pool)
}

// newInternalRange copies src records [begin, begin+count) into a fresh
// internal node. When begin is nonzero the first copied record's key is
// dropped: it became the separator pushed into the level above, and the
// record turns into the new node's minus-infinity child. A non-nil key
// is inserted in order with rightRef as its payload, rewriting the
// preceding record's payload to leftRef.
func newInternalRange(sp Space, src Node, begin, count int, key []byte, leftRef, rightRef uint64, pool *pmwcas.DescriptorPool) (Node, error) {
	records := count
	dataSize := 0
	for i := begin; i < begin+count; i++ {
		m := src.Meta(pool, i)
		if i == begin && begin > 0 {
			dataSize += PayloadSize
		} else {
			dataSize += m.TotalLength()
		}
	}
	if key != nil {
		records++
		dataSize += PadKeyLength(len(key)) + PayloadSize
	}

	size := HeaderSize + records*MetadataSize + dataSize
	n, err := alloc(sp, size, false)
	if err != nil {
		return Node{}, err
	}

	offset := size
	idx := 0
	prevPayload := -1
	emit := func(k []byte, payload uint64) {
		padded := PadKeyLength(len(k))
		total := padded + PayloadSize
		offset -= total
		copy(n.buf[offset:], k)
		binary.LittleEndian.PutUint64(n.buf[offset+padded:], payload)
		n.setMeta(idx, FinalizeForInsert(offset, len(k), total))
		prevPayload = offset + padded
		idx++
	}

	inserted := key == nil
	for i := begin; i < begin+count; i++ {
		m := src.Meta(pool, i)
		k := src.Key(m)
		if i == begin && begin > 0 {
			k = nil
		}
		if !inserted && compareKeys(k, key) > 0 {
			// The split child sat where the new separator lands: point
			// the record before the separator at the left half.
			binary.LittleEndian.PutUint64(n.buf[prevPayload:], leftRef)
			emit(key, rightRef)
			inserted = true
		}
		emit(k, src.Payload(pool, m))
	}
	if !inserted {
		// Separator sorts after every existing key: the rightmost child
		// was the one split.
		binary.LittleEndian.PutUint64(n.buf[prevPayload:], leftRef)
		emit(key, rightRef)
	}

	n.setStatus(MakeStatus(0, size-offset, 0, false))
	n.setSortedCount(idx)
	if err := sp.Persist(n.ref, size); err != nil {
		return Node{}, err
	}
	return n, nil
}

// GetChild returns the child covering key: the payload of the record
// with the largest separator strictly below the key (record 0 when none
// is). The record's metadata and slot index come back for the caller's
// breadcrumb stack.
func (n Node) GetChild(pool *pmwcas.DescriptorPool, key []byte) (uint64, RecordMetadata, int) {
	lo, hi, ans := 1, n.SortedCount()-1, 0
	for lo <= hi {
		mid := (lo + hi) / 2
		m := n.Meta(pool, mid)
		if compareKeys(n.Key(m), key) < 0 {
			ans = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	m := n.Meta(pool, ans)
	return n.Payload(pool, m), m, ans
}

// UpdateChild swaps the child pointer behind meta from oldRef to
// newRef. The paired status entry guards against a concurrent freeze
// and advances the node's version so that replacements built from a
// stale snapshot fail their install.
func (n Node) UpdateChild(pool *pmwcas.DescriptorPool, meta RecordMetadata, oldRef, newRef uint64) error {
	s := n.Status(pool)
	if s.IsFrozen() {
		return ErrNodeFrozen
	}
	d := pool.Allocate()
	d.AddEntry(n.StatusAddr(), uint64(s), uint64(s.BumpVersion()))
	d.AddEntry(n.PayloadAddr(meta), oldRef, newRef)
	if !d.MwCAS() {
		return ErrPMwCASFailure
	}
	return nil
}

// PrepareForSplitInternal absorbs a separator produced by a child
// split. If the rebuilt node stays under splitThreshold it is a clone
// with the separator inserted; otherwise this node is frozen and split
// at its record midpoint, pushing its own separator one level up.
func (n Node) PrepareForSplitInternal(stack *Stack, splitThreshold int, key []byte, leftRef, rightRef uint64, pool *pmwcas.DescriptorPool, sp Space, fresh, retired *[]Node) (Node, Node, StatusWord, error) {
	s := n.Status(pool)
	if s.IsFrozen() {
		return Node{}, Node{}, 0, ErrNodeFrozen
	}

	newSize := n.Size() + PadKeyLength(len(key)) + PayloadSize + MetadataSize
	if newSize <= splitThreshold {
		clone, err := NewInternalFrom(sp, n, key, leftRef, rightRef, pool)
		if err != nil {
			return Node{}, Node{}, 0, err
		}
		*fresh = append(*fresh, clone)
		*retired = append(*retired, n)
		return clone, n, s, nil
	}

	// Adding the separator would overflow: split this node as well.
	if !n.Freeze(pool) {
		return Node{}, Node{}, 0, ErrNodeFrozen
	}

	sc := n.SortedCount()
	if sc < 2 {
		return Node{}, Node{}, 0, ErrTooFewRecords
	}
	nLeft := sc / 2

	// The separator at the partition point moves up a level; its child
	// becomes the right half's minus-infinity record.
	sep := slices.Clone(n.Key(n.Meta(pool, nLeft)))

	var left, right Node
	var err error
	if compareKeys(key, sep) < 0 {
		left, err = newInternalRange(sp, n, 0, nLeft, key, leftRef, rightRef, pool)
		if err == nil {
			right, err = newInternalRange(sp, n, nLeft, sc-nLeft, nil, 0, 0, pool)
		}
	} else {
		left, err = newInternalRange(sp, n, 0, nLeft, nil, 0, 0, pool)
		if err == nil {
			right, err = newInternalRange(sp, n, nLeft, sc-nLeft, key, leftRef, rightRef, pool)
		}
	}
	if err != nil {
		return Node{}, Node{}, 0, err
	}
	*fresh = append(*fresh, left, right)
	*retired = append(*retired, n)

	parent, ok := stack.Pop()
	if !ok {
		root, err := NewInternal(sp, sep, left.Ref(), right.Ref())
		if err != nil {
			return Node{}, Node{}, 0, err
		}
		*fresh = append(*fresh, root)
		return root, n, n.Status(pool), nil
	}
	return parent.Node.PrepareForSplitInternal(stack, splitThreshold, sep, left.Ref(), right.Ref(), pool, sp, fresh, retired)
}
