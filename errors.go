package bztree

import (
	"errors"
	"fmt"

	"github.com/hupe1980/bztree/internal/node"
	"github.com/hupe1980/bztree/pmwcas"
)

var (
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = node.ErrKeyExists

	// ErrNotFound is returned by Read, Update and Delete when the key is
	// absent.
	ErrNotFound = node.ErrNotFound

	// ErrNodeFull is returned when a record cannot fit its leaf even
	// after splitting and compaction were considered. With key lengths
	// validated against the node size this does not occur; it guards
	// the write path against spinning on an unsplittable leaf.
	ErrNodeFull = node.ErrNodeFull

	// ErrEmptyKey is returned for zero-length keys.
	ErrEmptyKey = errors.New("bztree: key must not be empty")
)

// ErrKeyTooLarge indicates a key above the tree's maximum length,
// which is bounded by the node size: two records must fit into one leaf.
type ErrKeyTooLarge struct {
	Length int
	Max    int
}

func (e *ErrKeyTooLarge) Error() string {
	return fmt.Sprintf("bztree: key length %d exceeds maximum %d", e.Length, e.Max)
}

// ErrPayloadOutOfRange indicates a payload that collides with the word
// bits reserved for atomic bookkeeping.
//
// Payloads share their 8-byte word with the PMwCAS control bits, so the
// top three bits must stay clear; any value below 1<<61 is accepted.
type ErrPayloadOutOfRange struct {
	Payload uint64
}

func (e *ErrPayloadOutOfRange) Error() string {
	return fmt.Sprintf("bztree: payload %#x uses reserved control bits", e.Payload)
}

func validateKey(key []byte, max int) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > max {
		return &ErrKeyTooLarge{Length: len(key), Max: max}
	}
	return nil
}

func validatePayload(payload uint64) error {
	if payload&pmwcas.ControlMask != 0 {
		return &ErrPayloadOutOfRange{Payload: payload}
	}
	return nil
}
