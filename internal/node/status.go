package node

// StatusWord is the per-node 64-bit status word, updated only through
// PMwCAS. The high control bits are reserved for descriptor tagging.
//
// Layout:
//
//	[63:61] control (always zero in stored values)
//	[60]    frozen
//	[59:44] record count (slots claimed: visible + inserting + deleted)
//	[43:22] block size (bytes used by the key/payload data region)
//	[21:0]  delete size (bytes owned by deleted records)
type StatusWord uint64

const (
	statusFrozenBit = uint64(1) << 60

	statusRecordCountShift = 44
	statusRecordCountMask  = uint64(1)<<16 - 1

	statusBlockSizeShift = 22
	statusSizeMask       = uint64(1)<<22 - 1
)

// IsFrozen reports whether the node is closed for mutations.
func (s StatusWord) IsFrozen() bool {
	return uint64(s)&statusFrozenBit != 0
}

// Frozen returns the status with the frozen flag set.
func (s StatusWord) Frozen() StatusWord {
	return StatusWord(uint64(s) | statusFrozenBit)
}

// RecordCount returns the number of claimed metadata slots.
func (s StatusWord) RecordCount() int {
	return int(uint64(s) >> statusRecordCountShift & statusRecordCountMask)
}

// BlockSize returns the bytes occupied by the data region.
func (s StatusWord) BlockSize() int {
	return int(uint64(s) >> statusBlockSizeShift & statusSizeMask)
}

// DeleteSize returns the bytes owned by logically deleted records.
func (s StatusWord) DeleteSize() int {
	return int(uint64(s) & statusSizeMask)
}

// PrepareForInsert returns the status with one more claimed slot and
// totalSize more data-region bytes.
func (s StatusWord) PrepareForInsert(totalSize int) StatusWord {
	return StatusWord(uint64(s) +
		1<<statusRecordCountShift +
		uint64(totalSize)<<statusBlockSizeShift)
}

// WithDeleteSize returns the status with the delete accounting grown by
// totalSize bytes.
func (s StatusWord) WithDeleteSize(totalSize int) StatusWord {
	return StatusWord(uint64(s) + uint64(totalSize))
}

// BumpVersion advances the word by one. Internal nodes never delete, so
// the delete-size field doubles as a change counter there: child-pointer
// swaps bump it, forcing any install built from a stale snapshot of the
// node to fail its status guard.
func (s StatusWord) BumpVersion() StatusWord {
	return s + 1
}

// MakeStatus builds a status word from scratch, used when constructing
// fresh nodes.
func MakeStatus(recordCount, blockSize, deleteSize int, frozen bool) StatusWord {
	s := StatusWord(uint64(recordCount)<<statusRecordCountShift |
		uint64(blockSize)<<statusBlockSizeShift |
		uint64(deleteSize))
	if frozen {
		s = s.Frozen()
	}
	return s
}
