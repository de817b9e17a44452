package node

import (
	"encoding/binary"
	"errors"
	"math"
	"runtime"
	"slices"
	"sync"

	"github.com/hupe1980/bztree/pmwcas"
)

// NewLeaf allocates an empty leaf node of the given block size.
func NewLeaf(sp Space, size int) (Node, error) {
	return alloc(sp, size, true)
}

type uniqueness int

const (
	isUnique uniqueness = iota
	reCheck
	isDuplicate
)

// checkUnique probes for a visible or in-flight duplicate before an
// insert reserves space.
func (n Node) checkUnique(pool *pmwcas.DescriptorPool, key []byte) uniqueness {
	m, _, ok := n.SearchRecordMeta(pool, key, 0, math.MaxInt32, true)
	if !ok {
		return isUnique
	}
	if !m.IsVisible() {
		return reCheck
	}
	return isDuplicate
}

// recheckUnique re-probes the unsorted region below end after this
// insert reserved its own slot, waiting out other in-flight inserts.
func (n Node) recheckUnique(pool *pmwcas.DescriptorPool, key []byte, end int) uniqueness {
	for {
		m, _, ok := n.SearchRecordMeta(pool, key, n.SortedCount(), end, true)
		if !ok {
			return isUnique
		}
		if m.IsInserting() {
			runtime.Gosched()
			continue
		}
		return isDuplicate
	}
}

// Insert adds a record using the two-phase protocol: reserve a slot and
// data space with one PMwCAS, copy and persist the record bytes, then
// make the record visible with a second PMwCAS whose status-word guard
// entry orders it against concurrent freezes.
func (n Node) Insert(epoch uint32, key []byte, payload uint64, pool *pmwcas.DescriptorPool, sp Space) error {
	padded := PadKeyLength(len(key))
	total := padded + PayloadSize

	for {
		expected := n.Status(pool)
		if expected.IsFrozen() {
			return ErrNodeFrozen
		}

		uniq := n.checkUnique(pool, key)
		if uniq == isDuplicate {
			return ErrKeyExists
		}

		// The caller checks free space before descending here, but the
		// node may have filled up in the meantime.
		if n.FreeSpace(expected) < total+MetadataSize {
			return ErrNodeFull
		}

		slot := expected.RecordCount()
		expMeta := n.Meta(pool, slot)
		if !expMeta.IsVacant() {
			// Another thread claimed this slot between our status read
			// and now; start over.
			continue
		}

		desired := expected.PrepareForInsert(total)
		insMeta := PrepareForInsert(epoch)

		d := pool.Allocate()
		d.AddEntry(n.StatusAddr(), uint64(expected), uint64(desired))
		d.AddEntry(n.MetaAddr(slot), uint64(expMeta), uint64(insMeta))
		if !d.MwCAS() {
			return ErrPMwCASFailure
		}

		// Space reserved. The copy is not atomic, but the record is not
		// visible yet: a crash here leaves an Inserting slot whose epoch
		// identifies it as abandoned.
		offset := n.Size() - desired.BlockSize()
		copy(n.buf[offset:], key)
		for i := offset + len(key); i < offset+padded; i++ {
			n.buf[i] = 0
		}
		binary.LittleEndian.PutUint64(n.buf[offset+padded:], payload)
		if err := sp.Persist(n.ref+uint64(offset), total); err != nil {
			return err
		}

		final := FinalizeForInsert(offset, len(key), total)
		lostRace := false
		if uniq == reCheck {
			if n.recheckUnique(pool, key, slot) == isDuplicate {
				// A concurrent insert of the same key finalized first.
				// Void the copied bytes and finalize this slot as a
				// tombstone so the space is reclaimed on consolidation.
				for i := offset; i < offset+total; i++ {
					n.buf[i] = 0
				}
				final = Tombstone(len(key), total)
				lostRace = true
			}
		}

		s := n.Status(pool)
		if s.IsFrozen() {
			return ErrNodeFrozen
		}

		// The status entry forces this to abort if a freezer slipped in
		// between the read above and the commit. A tombstoned slot also
		// moves its reserved bytes into the delete accounting so
		// consolidation sees them, just like a regular delete.
		desiredStatus := s
		if lostRace {
			desiredStatus = s.WithDeleteSize(total)
		}
		d = pool.Allocate()
		d.AddEntry(n.StatusAddr(), uint64(s), uint64(desiredStatus))
		d.AddEntry(n.MetaAddr(slot), uint64(insMeta), uint64(final))
		if !d.MwCAS() {
			return ErrPMwCASFailure
		}
		if lostRace {
			return ErrKeyExists
		}
		return nil
	}
}

// Read returns the payload for key. Readers skip in-flight inserts:
// finalization is a single metadata transition, so they see either the
// old or the new state, never a torn record.
func (n Node) Read(pool *pmwcas.DescriptorPool, key []byte) (uint64, error) {
	m, _, ok := n.SearchRecordMeta(pool, key, 0, math.MaxInt32, false)
	if !ok || !m.IsVisible() {
		return 0, ErrNotFound
	}
	return n.Payload(pool, m), nil
}

// Update swaps the payload of an existing record in place. The
// three-entry PMwCAS pairs the payload swap with guards on the record
// metadata (against concurrent deletion) and the status word (against
// concurrent freeze).
func (n Node) Update(pool *pmwcas.DescriptorPool, key []byte, payload uint64) error {
	for {
		s := n.Status(pool)
		if s.IsFrozen() {
			return ErrNodeFrozen
		}

		m, idx, ok := n.SearchRecordMeta(pool, key, 0, math.MaxInt32, true)
		if !ok {
			return ErrNotFound
		}
		if m.IsInserting() {
			runtime.Gosched()
			continue
		}
		if !m.IsVisible() {
			return ErrNotFound
		}

		old := n.Payload(pool, m)
		if old == payload {
			return nil
		}

		d := pool.Allocate()
		d.AddEntry(n.PayloadAddr(m), old, payload)
		d.AddEntry(n.MetaAddr(idx), uint64(m), uint64(m))
		d.AddEntry(n.StatusAddr(), uint64(s), uint64(s))
		if !d.MwCAS() {
			return ErrPMwCASFailure
		}
		return nil
	}
}

// Upsert inserts key or updates it in place when present.
func (n Node) Upsert(epoch uint32, key []byte, payload uint64, pool *pmwcas.DescriptorPool, sp Space) error {
	for {
		s := n.Status(pool)
		if s.IsFrozen() {
			return ErrNodeFrozen
		}

		m, _, ok := n.SearchRecordMeta(pool, key, 0, math.MaxInt32, true)
		switch {
		case !ok:
			err := n.Insert(epoch, key, payload, pool, sp)
			if errors.Is(err, ErrPMwCASFailure) || errors.Is(err, ErrKeyExists) {
				// A concurrent insert of the same key won the race;
				// fall through to an in-place update.
				err = n.Update(pool, key, payload)
			}
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		case m.IsInserting():
			runtime.Gosched()
			continue
		default:
			err := n.Update(pool, key, payload)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
	}
}

// Delete removes key logically: one PMwCAS clears the visible bit and
// offset while growing the status word's delete accounting. Space is
// reclaimed by Consolidate.
func (n Node) Delete(pool *pmwcas.DescriptorPool, key []byte) error {
	for {
		s := n.Status(pool)
		if s.IsFrozen() {
			return ErrNodeFrozen
		}

		m, idx, ok := n.SearchRecordMeta(pool, key, 0, math.MaxInt32, true)
		if !ok {
			return ErrNotFound
		}
		if m.IsInserting() {
			// In-flight insert of this key; wait for the outcome.
			runtime.Gosched()
			continue
		}
		if !m.IsVisible() {
			return ErrNotFound
		}

		d := pool.Allocate()
		d.AddEntry(n.StatusAddr(), uint64(s), uint64(s.WithDeleteSize(m.TotalLength())))
		d.AddEntry(n.MetaAddr(idx), uint64(m), uint64(m.Deleted()))
		if d.MwCAS() {
			return nil
		}
	}
}

var metaScratch = sync.Pool{
	New: func() any {
		s := make([]RecordMetadata, 0, 128)
		return &s
	},
}

// sortVisible collects the visible records in key order and returns the
// total data bytes they occupy. The returned slice comes from a shared
// scratch pool; hand it back with putScratch.
func (n Node) sortVisible(pool *pmwcas.DescriptorPool) (*[]RecordMetadata, int) {
	scratch := metaScratch.Get().(*[]RecordMetadata)
	metas := (*scratch)[:0]

	total := 0
	count := n.Status(pool).RecordCount()
	for i := 0; i < count; i++ {
		m := n.Meta(pool, i)
		if m.IsVisible() {
			metas = append(metas, m)
			total += m.TotalLength()
		}
	}
	slices.SortFunc(metas, func(a, b RecordMetadata) int {
		return compareKeys(n.Key(a), n.Key(b))
	})

	*scratch = metas
	return scratch, total
}

func putScratch(s *[]RecordMetadata) {
	metaScratch.Put(s)
}

// copyRecords fills a fresh leaf with the given records in order,
// packing the data region densely from the top. Payload words are read
// through the pool so an in-flight descriptor is never copied.
func (n Node) copyRecords(src Node, metas []RecordMetadata, pool *pmwcas.DescriptorPool) {
	offset := n.Size()
	for i, m := range metas {
		total := m.TotalLength()
		offset -= total
		copy(n.buf[offset:offset+m.PaddedKeyLength()], src.buf[m.Offset():m.Offset()+m.PaddedKeyLength()])
		binary.LittleEndian.PutUint64(n.buf[offset+m.PaddedKeyLength():], src.Payload(pool, m))
		n.setMeta(i, FinalizeForInsert(offset, m.KeyLength(), total))
	}
	n.setStatus(MakeStatus(len(metas), n.Size()-offset, 0, false))
	n.setSortedCount(len(metas))
}

// Consolidate freezes the node and returns a compact, fully sorted
// replacement with deleted records dropped. The caller installs the
// replacement through the parent.
func (n Node) Consolidate(pool *pmwcas.DescriptorPool, sp Space) (Node, error) {
	if !n.Freeze(pool) {
		return Node{}, ErrNodeFrozen
	}
	return n.Compact(pool, sp)
}

// Compact builds the consolidated replacement of an already frozen
// leaf. Any thread may call it to complete a stalled structure
// modification cooperatively.
func (n Node) Compact(pool *pmwcas.DescriptorPool, sp Space) (Node, error) {
	scratch, _ := n.sortVisible(pool)
	defer putScratch(scratch)

	fresh, err := NewLeaf(sp, n.Size())
	if err != nil {
		return Node{}, err
	}
	fresh.copyRecords(n, *scratch, pool)
	if err := sp.Persist(fresh.ref, fresh.Size()); err != nil {
		return Node{}, err
	}
	return fresh, nil
}

// PrepareForSplit freezes the leaf, halves it by byte size and builds
// the replacement subtree bottom-up: the separator is propagated into a
// rebuilt parent (recursively splitting parents that are full), or a
// brand-new root when the stack is exhausted.
//
// It returns the new subtree root and the node it replaces along with
// the replaced node's pre-build status, which the caller's install CAS
// must freeze. New nodes are appended to fresh, replaced ones to
// retired; the caller frees one set or the other depending on whether
// the install commits.
func (n Node) PrepareForSplit(stack *Stack, splitThreshold int, pool *pmwcas.DescriptorPool, sp Space, fresh, retired *[]Node) (Node, Node, StatusWord, error) {
	// Freeze before collecting records so no insert can finalize into
	// the half we have already walked past.
	if !n.Freeze(pool) {
		return Node{}, Node{}, 0, ErrNodeFrozen
	}

	// A node that cannot yield two halves must be consolidated instead;
	// it stays frozen and the caller replaces it with a compact copy.
	scratch, total := n.sortVisible(pool)
	if len(*scratch) < 2 {
		putScratch(scratch)
		return Node{}, Node{}, 0, ErrTooFewRecords
	}

	// Split at the byte midpoint, not the record midpoint, so halves
	// end up balanced under skewed key sizes.
	metas := *scratch
	nleft := 0
	leftBytes := 0
	for _, m := range metas {
		nleft++
		leftBytes += m.TotalLength()
		if leftBytes >= total/2 {
			break
		}
	}
	if nleft == len(metas) {
		nleft--
	}

	left, err := NewLeaf(sp, n.Size())
	if err != nil {
		putScratch(scratch)
		return Node{}, Node{}, 0, err
	}
	right, err := NewLeaf(sp, n.Size())
	if err != nil {
		putScratch(scratch)
		return Node{}, Node{}, 0, err
	}
	left.copyRecords(n, metas[:nleft], pool)
	right.copyRecords(n, metas[nleft:], pool)
	if err := sp.Persist(left.ref, left.Size()); err != nil {
		putScratch(scratch)
		return Node{}, Node{}, 0, err
	}
	if err := sp.Persist(right.ref, right.Size()); err != nil {
		putScratch(scratch)
		return Node{}, Node{}, 0, err
	}
	*fresh = append(*fresh, left, right)

	// The separator is the highest key of the left half: keys equal to
	// it stay left, greater ones go right.
	sepMeta := metas[nleft-1]
	sep := slices.Clone(n.Key(sepMeta))
	putScratch(scratch)

	parent, ok := stack.Pop()
	if !ok {
		// The leaf is the root; grow the tree by one level.
		root, err := NewInternal(sp, sep, left.Ref(), right.Ref())
		if err != nil {
			return Node{}, Node{}, 0, err
		}
		*fresh = append(*fresh, root)
		*retired = append(*retired, n)
		return root, n, n.Status(pool), nil
	}

	*retired = append(*retired, n)
	return parent.Node.PrepareForSplitInternal(stack, splitThreshold, sep, left.Ref(), right.Ref(), pool, sp, fresh, retired)
}
