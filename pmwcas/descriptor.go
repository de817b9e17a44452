package pmwcas

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Control bits reserved in every word that participates in PMwCAS.
// Values stored by callers must keep these bits clear.
const (
	mwCASFlag   uint64 = 1 << 63
	condCASFlag uint64 = 1 << 62
	dirtyFlag   uint64 = 1 << 61

	// ControlMask covers the bits reserved for descriptor tagging and
	// the persistence dirty bit.
	ControlMask uint64 = mwCASFlag | condCASFlag | dirtyFlag
)

// MaxEntries is the number of words a single descriptor can target.
const MaxEntries = 4

// Tag layout (bits below the flags):
//
//	[15:0]  descriptor index
//	[19:16] entry index (conditional-CAS tags only)
//	[60:20] descriptor sequence number
const (
	tagIndexBits = 16
	tagEntryBits = 4
	tagIndexMask = 1<<tagIndexBits - 1
	tagEntryMask = 1<<tagEntryBits - 1
	tagSeqShift  = tagIndexBits + tagEntryBits
	tagSeqMask   = 1<<(61-tagSeqShift) - 1
)

const (
	statusUndecided uint32 = iota
	statusSucceeded
	statusFailed
)

type wordEntry struct {
	addr     *uint64
	expected uint64
	desired  uint64
}

// Descriptor is a single multi-word CAS operation. Descriptors are
// pool-owned; obtain one with DescriptorPool.Allocate and release it by
// calling MwCAS exactly once.
type Descriptor struct {
	pool    *DescriptorPool
	index   uint32
	seq     atomic.Uint64
	status  atomic.Uint32
	helpers atomic.Int32
	count   int
	entries [MaxEntries]wordEntry
}

// DescriptorPool hands out descriptors. A descriptor is recycled as
// soon as its operation completes and every cooperating helper has
// drained, so a tag observed in shared memory always refers to a live
// descriptor incarnation.
type DescriptorPool struct {
	descs []Descriptor
	free  chan *Descriptor
	epoch *Epoch
}

// DefaultPoolSize is the default number of descriptors in a pool.
const DefaultPoolSize = 4096

// NewDescriptorPool creates a pool with size descriptors. A size of
// zero or less selects DefaultPoolSize.
func NewDescriptorPool(size int) *DescriptorPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if size > tagIndexMask+1 {
		size = tagIndexMask + 1
	}
	p := &DescriptorPool{
		descs: make([]Descriptor, size),
		free:  make(chan *Descriptor, size),
		epoch: NewEpoch(),
	}
	for i := range p.descs {
		d := &p.descs[i]
		d.pool = p
		d.index = uint32(i)
		d.seq.Store(1)
		p.free <- d
	}
	return p
}

// Epoch returns the pool's epoch manager.
func (p *DescriptorPool) Epoch() *Epoch {
	return p.epoch
}

// Allocate returns a reset descriptor. It blocks if all descriptors are
// in flight, which only happens when the pool is undersized for the
// number of concurrent operations.
func (p *DescriptorPool) Allocate() *Descriptor {
	d := <-p.free
	d.count = 0
	d.status.Store(statusUndecided)
	return d
}

// AddEntry adds a target word to the descriptor. addr must be 8-byte
// aligned and expected/desired must keep the control bits clear.
func (d *Descriptor) AddEntry(addr *uint64, expected, desired uint64) {
	if d.count >= MaxEntries {
		panic("pmwcas: descriptor entry limit exceeded")
	}
	if expected&ControlMask != 0 || desired&ControlMask != 0 {
		panic("pmwcas: control bits set in entry value")
	}
	d.entries[d.count] = wordEntry{addr: addr, expected: expected, desired: desired}
	d.count++
}

// MwCAS attempts the multi-word CAS and reports whether it committed.
// The descriptor is consumed either way.
func (d *Descriptor) MwCAS() bool {
	// Install in a global address order so that two overlapping
	// descriptors always collide at their first shared word.
	for i := 1; i < d.count; i++ {
		for j := i; j > 0 && uintptr(unsafe.Pointer(d.entries[j].addr)) <
			uintptr(unsafe.Pointer(d.entries[j-1].addr)); j-- {
			d.entries[j], d.entries[j-1] = d.entries[j-1], d.entries[j]
		}
	}

	seq := d.seq.Load()
	d.help(seq)
	ok := d.status.Load() == statusSucceeded
	d.retire()
	return ok
}

// retire recycles the descriptor. The sequence bump comes first so any
// helper arriving later sees its tag as stale; helpers that validated
// before the bump are waited out. Every tag is detached by phase 3, so
// once the helpers drain no thread can reach this incarnation again.
func (d *Descriptor) retire() {
	d.seq.Add(1)
	for d.helpers.Load() != 0 {
		runtime.Gosched()
	}
	d.pool.free <- d
}

func (d *Descriptor) mwTag(seq uint64) uint64 {
	return mwCASFlag | (seq&tagSeqMask)<<tagSeqShift | uint64(d.index)
}

func (d *Descriptor) condTag(entry int, seq uint64) uint64 {
	return condCASFlag | (seq&tagSeqMask)<<tagSeqShift |
		uint64(entry)<<tagIndexBits | uint64(d.index)
}

// help drives the descriptor through its phases. Any thread may call it;
// all transitions are CAS-based so duplicated work is harmless.
func (d *Descriptor) help(seq uint64) {
	mw := d.mwTag(seq)

	// Phase 1: conditionally install the descriptor into every target
	// word. A conditional tag promotes to the descriptor tag only while
	// the outcome is undecided, so a decided descriptor can never gain
	// new installations.
	for i := 0; i < d.count; i++ {
		if d.status.Load() != statusUndecided {
			break
		}
		e := &d.entries[i]
		for d.status.Load() == statusUndecided {
			cur := atomic.LoadUint64(e.addr)
			if cur == mw {
				break
			}
			if cur&condCASFlag != 0 {
				d.pool.helpCondCAS(cur)
				continue
			}
			if cur&mwCASFlag != 0 {
				d.pool.helpMwCAS(cur)
				continue
			}
			if cur != e.expected {
				d.status.CompareAndSwap(statusUndecided, statusFailed)
				break
			}
			ct := d.condTag(i, seq)
			if atomic.CompareAndSwapUint64(e.addr, e.expected, ct) {
				d.completeCondCAS(i, seq)
			}
		}
	}

	// Phase 2: decide.
	d.status.CompareAndSwap(statusUndecided, statusSucceeded)

	// Phase 3: detach, writing back desired on success and expected on
	// failure. Stragglers that promoted a conditional tag after this
	// sweep are cleaned up by the next thread that reads the word.
	final := d.status.Load() == statusSucceeded
	for i := 0; i < d.count; i++ {
		e := &d.entries[i]
		want := e.expected
		if final {
			want = e.desired
		}
		atomic.CompareAndSwapUint64(e.addr, mw, want)
	}
}

// completeCondCAS resolves a conditional tag on entry i: promote to the
// descriptor tag while undecided, otherwise restore the expected value.
func (d *Descriptor) completeCondCAS(i int, seq uint64) {
	e := &d.entries[i]
	ct := d.condTag(i, seq)
	if d.status.Load() == statusUndecided {
		atomic.CompareAndSwapUint64(e.addr, ct, d.mwTag(seq))
	} else {
		atomic.CompareAndSwapUint64(e.addr, ct, e.expected)
	}
}

func (p *DescriptorPool) descriptorFor(tag uint64) (*Descriptor, uint64, int) {
	idx := int(tag & tagIndexMask)
	entry := int(tag >> tagIndexBits & tagEntryMask)
	seq := tag >> tagSeqShift & tagSeqMask
	if idx >= len(p.descs) {
		return nil, 0, 0
	}
	return &p.descs[idx], seq, entry
}

func (p *DescriptorPool) helpMwCAS(tag uint64) {
	d, seq, _ := p.descriptorFor(tag)
	if d == nil {
		return
	}
	d.helpers.Add(1)
	defer d.helpers.Add(-1)
	if d.seq.Load()&tagSeqMask != seq {
		// Stale tag from a recycled descriptor; the word has moved on.
		return
	}
	d.help(seq)
}

func (p *DescriptorPool) helpCondCAS(tag uint64) {
	d, seq, entry := p.descriptorFor(tag)
	if d == nil || entry >= MaxEntries {
		return
	}
	d.helpers.Add(1)
	defer d.helpers.Add(-1)
	if d.seq.Load()&tagSeqMask != seq {
		return
	}
	d.completeCondCAS(entry, seq)
}

// Read returns the logical value of a word that participates in PMwCAS,
// helping any in-flight descriptor to completion first. Callers must
// hold an epoch guard.
func (p *DescriptorPool) Read(addr *uint64) uint64 {
	for {
		v := atomic.LoadUint64(addr)
		if v&condCASFlag != 0 {
			p.helpCondCAS(v)
			continue
		}
		if v&mwCASFlag != 0 {
			p.helpMwCAS(v)
			continue
		}
		return v &^ dirtyFlag
	}
}
