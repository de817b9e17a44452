package bztree

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/bztree/internal/arena"
	"github.com/hupe1980/bztree/internal/node"
	"github.com/hupe1980/bztree/pmwcas"
)

// BzTree is a latch-free B+-tree mapping variable-length binary keys to
// 64-bit payloads. All structural and record-level changes go through
// persistent multi-word CAS, so readers never block and writers never
// take locks.
type BzTree struct {
	space     *arena.Arena
	pool      *pmwcas.DescriptorPool
	rootPtr   *uint64
	opts      options
	maxKeyLen int
	logger    *Logger
	metrics   MetricsCollector
}

// New creates a tree with a single empty leaf as root.
func New(optFns ...Option) (*BzTree, error) {
	opts, err := applyOptions(optFns)
	if err != nil {
		return nil, err
	}

	var arenaOpts []arena.Option
	if opts.dir != "" {
		arenaOpts = append(arenaOpts, arena.WithDir(opts.dir))
	}
	space, err := arena.New(opts.arenaChunkSize, arenaOpts...)
	if err != nil {
		return nil, err
	}

	// Two records (padded key + payload + metadata slot each) must fit
	// into one leaf, so that a full leaf always holds enough records to
	// split. The 16-bit total-length field bounds keys as well.
	maxKeyLen := ((opts.nodeSize-node.HeaderSize)/2 - node.MetadataSize - node.PayloadSize) &^ 7
	if maxKeyLen > node.MaxRecordKeyLength {
		maxKeyLen = node.MaxRecordKeyLength
	}

	t := &BzTree{
		space:     space,
		pool:      pmwcas.NewDescriptorPool(opts.descriptorPoolSize),
		opts:      opts,
		maxKeyLen: maxKeyLen,
		logger:    opts.logger,
		metrics:   opts.metrics,
	}

	// The root pointer lives in the arena so that, file-backed, the
	// whole tree is reachable from persisted state.
	rootRef, _, err := space.Alloc(8)
	if err != nil {
		space.Close()
		return nil, err
	}
	t.rootPtr = space.Word(rootRef)

	leaf, err := node.NewLeaf(space, opts.nodeSize)
	if err != nil {
		space.Close()
		return nil, err
	}
	if err := space.Persist(leaf.Ref(), node.HeaderSize); err != nil {
		space.Close()
		return nil, err
	}
	*t.rootPtr = leaf.Ref()
	if err := space.Persist(rootRef, 8); err != nil {
		space.Close()
		return nil, err
	}
	return t, nil
}

// Close releases the node heap. The tree must not be used afterwards.
func (t *BzTree) Close() error {
	return t.space.Close()
}

var stackPool = sync.Pool{
	New: func() any { return new(node.Stack) },
}

// traverseToLeaf descends from the root, pushing one breadcrumb per
// internal node visited.
func (t *BzTree) traverseToLeaf(st *node.Stack, key []byte) node.Node {
	n := node.Open(t.space, t.pool.Read(t.rootPtr))
	for !n.IsLeaf() {
		child, meta, _ := n.GetChild(t.pool, key)
		st.Push(n, meta)
		n = node.Open(t.space, child)
	}
	return n
}

// Insert adds key with the given payload. It returns ErrKeyExists if a
// visible duplicate is present.
func (t *BzTree) Insert(key []byte, payload uint64) error {
	if err := validateKey(key, t.maxKeyLen); err != nil {
		return err
	}
	if err := validatePayload(payload); err != nil {
		return err
	}
	start := time.Now()
	err := t.insert(key, payload)
	t.metrics.RecordInsert(time.Since(start), err)
	return err
}

func (t *BzTree) insert(key []byte, payload uint64) error {
	st := stackPool.Get().(*node.Stack)
	defer stackPool.Put(st)

	need := node.PadKeyLength(len(key)) + node.PayloadSize + node.MetadataSize
	for {
		guard := t.pool.Epoch().Enter()
		st.Clear()
		leaf := t.traverseToLeaf(st, key)

		s := leaf.Status(t.pool)
		if s.IsFrozen() {
			t.replaceFrozen(st, leaf)
			guard.Leave()
			continue
		}
		if leaf.FreeSpace(s) < need {
			if s.DeleteSize() >= need {
				// Enough dead bytes to reclaim in place.
				t.consolidate(st, leaf)
			} else if err := t.split(st, leaf); errors.Is(err, node.ErrTooFewRecords) {
				// Nothing deleted to reclaim and too few records to
				// halve: the record cannot fit this leaf at all.
				guard.Leave()
				return ErrNodeFull
			}
			guard.Leave()
			continue
		}

		err := leaf.Insert(t.pool.Epoch().Current(), key, payload, t.pool, t.space)
		guard.Leave()
		switch {
		case err == nil, errors.Is(err, ErrKeyExists):
			return err
		case errors.Is(err, node.ErrNodeFrozen),
			errors.Is(err, node.ErrNodeFull),
			errors.Is(err, node.ErrPMwCASFailure):
			continue
		default:
			return err
		}
	}
}

// Read returns the payload stored under key. Reads bypass the retry
// loop: a stale leaf still yields a consistent answer because retired
// nodes stay alive under the epoch guard.
func (t *BzTree) Read(key []byte) (uint64, error) {
	if err := validateKey(key, t.maxKeyLen); err != nil {
		return 0, err
	}
	start := time.Now()

	st := stackPool.Get().(*node.Stack)
	defer stackPool.Put(st)

	guard := t.pool.Epoch().Enter()
	st.Clear()
	leaf := t.traverseToLeaf(st, key)
	payload, err := leaf.Read(t.pool, key)
	guard.Leave()

	t.metrics.RecordRead(time.Since(start), err)
	return payload, err
}

// Update replaces the payload of an existing key.
func (t *BzTree) Update(key []byte, payload uint64) error {
	if err := validateKey(key, t.maxKeyLen); err != nil {
		return err
	}
	if err := validatePayload(payload); err != nil {
		return err
	}
	start := time.Now()
	err := t.update(key, payload)
	t.metrics.RecordUpdate(time.Since(start), err)
	return err
}

func (t *BzTree) update(key []byte, payload uint64) error {
	st := stackPool.Get().(*node.Stack)
	defer stackPool.Put(st)

	for {
		guard := t.pool.Epoch().Enter()
		st.Clear()
		leaf := t.traverseToLeaf(st, key)
		err := leaf.Update(t.pool, key, payload)
		switch {
		case errors.Is(err, node.ErrNodeFrozen):
			t.replaceFrozen(st, leaf)
		case errors.Is(err, node.ErrPMwCASFailure):
		default:
			guard.Leave()
			return err
		}
		guard.Leave()
	}
}

// Upsert inserts key or, if it is already present, updates its payload.
func (t *BzTree) Upsert(key []byte, payload uint64) error {
	if err := validateKey(key, t.maxKeyLen); err != nil {
		return err
	}
	if err := validatePayload(payload); err != nil {
		return err
	}
	start := time.Now()
	err := t.upsert(key, payload)
	t.metrics.RecordUpsert(time.Since(start), err)
	return err
}

func (t *BzTree) upsert(key []byte, payload uint64) error {
	st := stackPool.Get().(*node.Stack)
	defer stackPool.Put(st)

	need := node.PadKeyLength(len(key)) + node.PayloadSize + node.MetadataSize
	for {
		guard := t.pool.Epoch().Enter()
		st.Clear()
		leaf := t.traverseToLeaf(st, key)

		s := leaf.Status(t.pool)
		if s.IsFrozen() {
			t.replaceFrozen(st, leaf)
			guard.Leave()
			continue
		}
		if leaf.FreeSpace(s) < need {
			if s.DeleteSize() >= need {
				t.consolidate(st, leaf)
			} else if err := t.split(st, leaf); errors.Is(err, node.ErrTooFewRecords) {
				guard.Leave()
				return ErrNodeFull
			}
			guard.Leave()
			continue
		}

		err := leaf.Upsert(t.pool.Epoch().Current(), key, payload, t.pool, t.space)
		guard.Leave()
		switch {
		case errors.Is(err, node.ErrNodeFrozen),
			errors.Is(err, node.ErrNodeFull),
			errors.Is(err, node.ErrPMwCASFailure):
			continue
		default:
			return err
		}
	}
}

// Delete removes key logically; its space is reclaimed when the leaf is
// consolidated.
func (t *BzTree) Delete(key []byte) error {
	if err := validateKey(key, t.maxKeyLen); err != nil {
		return err
	}
	start := time.Now()
	err := t.delete(key)
	t.metrics.RecordDelete(time.Since(start), err)
	return err
}

func (t *BzTree) delete(key []byte) error {
	st := stackPool.Get().(*node.Stack)
	defer stackPool.Put(st)

	for {
		guard := t.pool.Epoch().Enter()
		st.Clear()
		leaf := t.traverseToLeaf(st, key)
		err := leaf.Delete(t.pool, key)
		if errors.Is(err, node.ErrNodeFrozen) {
			t.replaceFrozen(st, leaf)
			guard.Leave()
			continue
		}
		if err == nil && leaf.Status(t.pool).DeleteSize() >= t.opts.mergeThreshold {
			// Node merging is out of scope; a leaf dominated by dead
			// records is rebuilt in place instead.
			t.consolidate(st, leaf)
		}
		guard.Leave()
		return err
	}
}

// Consolidate rebuilds the leaf covering key into compact, fully
// sorted form, dropping deleted records.
func (t *BzTree) Consolidate(key []byte) error {
	if err := validateKey(key, t.maxKeyLen); err != nil {
		return err
	}

	st := stackPool.Get().(*node.Stack)
	defer stackPool.Put(st)

	for {
		guard := t.pool.Epoch().Enter()
		st.Clear()
		leaf := t.traverseToLeaf(st, key)
		err := t.consolidate(st, leaf)
		guard.Leave()
		if err == nil {
			return nil
		}
	}
}

// split freezes the leaf, builds its replacement subtree and installs
// it. Failures leave the tree untouched except for possibly frozen
// nodes, which later operations replace cooperatively; the error tells
// the caller why no split landed.
func (t *BzTree) split(st *node.Stack, leaf node.Node) error {
	var fresh, retired []node.Node
	newTop, replaced, rs, err := leaf.PrepareForSplit(st, t.opts.splitThreshold, t.pool, t.space, &fresh, &retired)
	if err != nil {
		t.freeAll(fresh)
		if errors.Is(err, node.ErrTooFewRecords) || errors.Is(err, node.ErrNodeFrozen) {
			t.replaceFrozen(st, leaf)
		}
		return err
	}

	depth := len(retired)
	if err := t.install(st, replaced, rs, newTop); err != nil {
		t.freeAll(fresh)
		if errors.Is(err, node.ErrNodeFrozen) {
			if frame, ok := st.Pop(); ok {
				t.replaceFrozen(st, frame.Node)
			}
		}
		return err
	}
	t.retireAll(retired)
	t.logger.LogSplit(replaced.Ref(), newTop.Ref(), depth)
	t.metrics.RecordSplit(depth)
	return nil
}

// consolidate freezes the leaf and swaps in its compact replacement.
func (t *BzTree) consolidate(st *node.Stack, leaf node.Node) error {
	fresh, err := leaf.Consolidate(t.pool, t.space)
	if err != nil {
		if errors.Is(err, node.ErrNodeFrozen) {
			t.replaceFrozen(st, leaf)
		}
		return err
	}
	rs := leaf.Status(t.pool)
	if err := t.install(st, leaf, rs, fresh); err != nil {
		t.space.Free(fresh.Ref(), fresh.Size())
		if errors.Is(err, node.ErrNodeFrozen) {
			if frame, ok := st.Pop(); ok {
				t.replaceFrozen(st, frame.Node)
			}
		}
		return err
	}
	t.retire(leaf)
	t.logger.LogConsolidate(leaf.Ref(), fresh.Ref())
	t.metrics.RecordConsolidate()
	return nil
}

// replaceFrozen completes a stalled structure modification: a node left
// frozen by an aborted split is replaced by an equivalent unfrozen copy
// so the tree keeps making progress.
func (t *BzTree) replaceFrozen(st *node.Stack, frozen node.Node) {
	if !frozen.Status(t.pool).IsFrozen() {
		return
	}

	var fresh node.Node
	var err error
	if frozen.IsLeaf() {
		fresh, err = frozen.Compact(t.pool, t.space)
	} else {
		fresh, err = frozen.CloneInternal(t.space, t.pool)
	}
	if err != nil {
		return
	}

	rs := frozen.Status(t.pool)
	if err := t.install(st, frozen, rs, fresh); err != nil {
		t.space.Free(fresh.Ref(), fresh.Size())
		if errors.Is(err, node.ErrNodeFrozen) {
			// The parent is frozen too; unfreeze the tree top-down so
			// the next attempt can land.
			if frame, ok := st.Pop(); ok {
				t.replaceFrozen(st, frame.Node)
			}
		}
		return
	}
	t.retire(frozen)
	t.logger.LogConsolidate(frozen.Ref(), fresh.Ref())
	t.metrics.RecordConsolidate()
}

// install atomically swaps newTop in for replaced — in the parent's
// child slot, or at the root pointer when the stack is exhausted — and
// freezes the replaced node in the same PMwCAS. The freeze entry is
// what invalidates every concurrent operation still targeting the
// replaced node, including installs built from a stale snapshot.
func (t *BzTree) install(st *node.Stack, replaced node.Node, rs node.StatusWord, newTop node.Node) error {
	frame, ok := st.Top()
	var ps node.StatusWord
	if ok {
		ps = frame.Node.Status(t.pool)
		if ps.IsFrozen() {
			return node.ErrNodeFrozen
		}
	}

	d := t.pool.Allocate()
	if ok {
		d.AddEntry(frame.Node.StatusAddr(), uint64(ps), uint64(ps.BumpVersion()))
		d.AddEntry(frame.Node.PayloadAddr(frame.Meta), replaced.Ref(), newTop.Ref())
	} else {
		d.AddEntry(t.rootPtr, replaced.Ref(), newTop.Ref())
	}
	d.AddEntry(replaced.StatusAddr(), uint64(rs), uint64(rs.Frozen()))
	if !d.MwCAS() {
		return node.ErrPMwCASFailure
	}
	if !ok {
		t.logger.LogRootSwap(replaced.Ref(), newTop.Ref())
	}
	return nil
}

func (t *BzTree) retire(n node.Node) {
	ref, size := n.Ref(), n.Size()
	t.pool.Epoch().Defer(func() {
		t.space.Free(ref, size)
	})
}

func (t *BzTree) retireAll(nodes []node.Node) {
	for _, n := range nodes {
		t.retire(n)
	}
}

func (t *BzTree) freeAll(nodes []node.Node) {
	for _, n := range nodes {
		t.space.Free(n.Ref(), n.Size())
	}
}

// Dump writes a diagnostic rendering of the whole tree to w.
func (t *BzTree) Dump(w io.Writer) {
	guard := t.pool.Epoch().Enter()
	defer guard.Leave()
	t.dumpNode(w, node.Open(t.space, t.pool.Read(t.rootPtr)))
}

func (t *BzTree) dumpNode(w io.Writer, n node.Node) {
	n.Dump(t.pool, w)
	if n.IsLeaf() {
		return
	}
	for i := 0; i < n.SortedCount(); i++ {
		m := n.Meta(t.pool, i)
		t.dumpNode(w, node.Open(t.space, n.Payload(t.pool, m)))
	}
}
