package bztree

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/bztree/internal/node"
)

// Compression selects the snapshot stream codec.
type Compression uint8

const (
	// CompressionZstd compresses snapshots with zstd (the default).
	CompressionZstd Compression = iota
	// CompressionLZ4 compresses snapshots with lz4.
	CompressionLZ4
	// CompressionNone writes the raw entry stream.
	CompressionNone
)

var (
	snapshotMagic = [4]byte{'B', 'Z', 'S', '0'}

	// ErrBadSnapshot is returned when a snapshot stream is malformed or
	// truncated.
	ErrBadSnapshot = errors.New("bztree: malformed snapshot")
)

const snapshotVersion = uint16(1)

// SnapshotOptions configures Snapshot.
type SnapshotOptions struct {
	Compression Compression
}

// Snapshot streams every live (key, payload) pair to w in a framed,
// self-describing binary format. The walk runs under a single epoch
// guard, so it observes a consistent tree shape; concurrent writers
// should be quiesced if a point-in-time image is required.
func (t *BzTree) Snapshot(w io.Writer, optFns ...func(o *SnapshotOptions)) error {
	opts := SnapshotOptions{Compression: CompressionZstd}
	for _, fn := range optFns {
		fn(&opts)
	}

	var hdr [16]byte
	copy(hdr[:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], snapshotVersion)
	hdr[6] = byte(opts.Compression)
	// hdr[7:16] reserved
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	var (
		body  io.Writer
		flush func() error
	)
	switch opts.Compression {
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		body, flush = zw, zw.Close
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		body, flush = lw, lw.Close
	case CompressionNone:
		bw := bufio.NewWriter(w)
		body, flush = bw, bw.Flush
	default:
		return fmt.Errorf("bztree: unknown snapshot compression %d", opts.Compression)
	}

	guard := t.pool.Epoch().Enter()
	err := t.snapshotNode(body, node.Open(t.space, t.pool.Read(t.rootPtr)))
	guard.Leave()
	if err != nil {
		return err
	}

	// Zero key length terminates the stream so truncation is detectable.
	var end [2]byte
	if _, err := body.Write(end[:]); err != nil {
		return err
	}
	return flush()
}

func (t *BzTree) snapshotNode(w io.Writer, n node.Node) error {
	if !n.IsLeaf() {
		for i := 0; i < n.SortedCount(); i++ {
			m := n.Meta(t.pool, i)
			if err := t.snapshotNode(w, node.Open(t.space, n.Payload(t.pool, m))); err != nil {
				return err
			}
		}
		return nil
	}

	count := n.Status(t.pool).RecordCount()
	var frame [2 + node.MaxKeyLength + node.PayloadSize]byte
	for i := 0; i < count; i++ {
		m := n.Meta(t.pool, i)
		if !m.IsVisible() {
			continue
		}
		key := n.Key(m)
		binary.LittleEndian.PutUint16(frame[:2], uint16(len(key)))
		copy(frame[2:], key)
		binary.LittleEndian.PutUint64(frame[2+len(key):], n.Payload(t.pool, m))
		if _, err := w.Write(frame[:2+len(key)+node.PayloadSize]); err != nil {
			return err
		}
	}
	return nil
}

// Restore replays a snapshot stream into the tree, upserting every
// entry. It can be applied to a freshly created or an existing tree.
func (t *BzTree) Restore(r io.Reader) error {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if [4]byte(hdr[:4]) != snapshotMagic {
		return ErrBadSnapshot
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != snapshotVersion {
		return fmt.Errorf("bztree: unsupported snapshot version %d", v)
	}

	var body io.Reader
	switch Compression(hdr[6]) {
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer zr.Close()
		body = zr
	case CompressionLZ4:
		body = lz4.NewReader(r)
	case CompressionNone:
		body = bufio.NewReader(r)
	default:
		return ErrBadSnapshot
	}

	var (
		lenBuf  [2]byte
		payload [node.PayloadSize]byte
		key     = make([]byte, node.MaxKeyLength)
	)
	for {
		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			return ErrBadSnapshot
		}
		keyLen := int(binary.LittleEndian.Uint16(lenBuf[:]))
		if keyLen == 0 {
			return nil
		}
		if _, err := io.ReadFull(body, key[:keyLen]); err != nil {
			return ErrBadSnapshot
		}
		if _, err := io.ReadFull(body, payload[:]); err != nil {
			return ErrBadSnapshot
		}
		if err := t.Upsert(key[:keyLen], binary.LittleEndian.Uint64(payload[:])); err != nil {
			return err
		}
	}
}
