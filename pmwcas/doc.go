// Package pmwcas provides a persistent multi-word compare-and-swap primitive.
//
// # Overview
//
// PMwCAS atomically updates up to MaxEntries 8-byte words at arbitrary
// aligned locations. Callers allocate a descriptor from a DescriptorPool,
// add (address, expected, desired) entries and commit:
//
//	d := pool.Allocate()
//	d.AddEntry(addr1, old1, new1)
//	d.AddEntry(addr2, old2, new2)
//	if d.MwCAS() {
//	    // all words updated atomically
//	}
//
// The implementation is lock-free: a descriptor is installed into each
// target word as a tagged value (using the reserved high control bits),
// and any thread that encounters a tag helps the owning operation to
// completion before retrying its own. Installation is conditional
// (RDCSS-style) so that a descriptor can never be installed after its
// outcome has been decided. Words that participate in PMwCAS must be
// read through Read, which resolves in-flight descriptors.
//
// # Epochs and reclamation
//
// The pool embeds an epoch manager. Every operation on shared words must
// run under an epoch guard:
//
//	g := pool.Epoch().Enter()
//	defer g.Leave()
//
// Guards pin the current epoch; memory retired via Epoch.Defer is
// released only once every guard active at retirement time has left.
// This is what makes it safe for readers to chase node pointers
// without locks. Descriptors themselves recycle independently: a
// completed descriptor waits out its cooperating helpers and bumps its
// tag sequence, which suffices because tags never outlive phase 3.
//
// # Persistence
//
// On persistent memory the engine would flush target words (CLWB +
// fence) before a descriptor's outcome becomes visible, and a recovery
// pass would roll forward or back any in-flight descriptor. This build
// emulates durability outside this package: the node arena's Persist
// flushes a byte range via msync when the backing memory is a file
// mapping and is a no-op for anonymous memory.
// The word format (control bits, two-phase commit) is unchanged, so a
// persistent backend can be swapped in without touching callers.
package pmwcas
