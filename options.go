package bztree

import (
	"fmt"

	"github.com/hupe1980/bztree/internal/node"
)

const (
	// DefaultNodeSize is the default leaf node block size.
	DefaultNodeSize = 4096

	// minNodeSize leaves room for the header, a couple of metadata
	// entries and at least one record.
	minNodeSize = 128

	// maxNodeSize is bounded by the 22-bit block-size field in the
	// status word.
	maxNodeSize = 1 << 21
)

type options struct {
	nodeSize           int
	splitThreshold     int
	mergeThreshold     int
	arenaChunkSize     int
	descriptorPoolSize int
	dir                string
	logger             *Logger
	metrics            MetricsCollector
}

// Option configures tree construction.
type Option func(*options)

// WithNodeSize sets the leaf node block size in bytes. Larger nodes
// amortize traversal cost; smaller nodes split earlier. The value must
// be a multiple of 8.
func WithNodeSize(size int) Option {
	return func(o *options) {
		o.nodeSize = size
	}
}

// WithSplitThreshold sets the size in bytes above which a rebuilt
// internal node is split instead of grown. Defaults to the node size.
func WithSplitThreshold(threshold int) Option {
	return func(o *options) {
		o.splitThreshold = threshold
	}
}

// WithMergeThreshold sets the number of logically deleted bytes in a
// leaf at which the delete path consolidates it. Defaults to a quarter
// of the node size.
func WithMergeThreshold(threshold int) Option {
	return func(o *options) {
		o.mergeThreshold = threshold
	}
}

// WithArenaChunkSize sets the node heap's chunk size in bytes.
func WithArenaChunkSize(size int) Option {
	return func(o *options) {
		o.arenaChunkSize = size
	}
}

// WithDescriptorPoolSize sets the number of PMwCAS descriptors shared
// by all operations.
func WithDescriptorPoolSize(size int) Option {
	return func(o *options) {
		o.descriptorPoolSize = size
	}
}

// WithDir backs the node heap with files under dir, so that record data
// and structure changes are flushed durably before they become
// reachable. Without it the tree lives in anonymous memory.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsCollector sets the metrics sink. Defaults to no-op.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metrics = mc
		}
	}
}

func applyOptions(optFns []Option) (options, error) {
	opts := options{
		nodeSize: DefaultNodeSize,
		logger:   NoopLogger(),
		metrics:  NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.splitThreshold == 0 {
		opts.splitThreshold = opts.nodeSize
	}
	if opts.mergeThreshold == 0 {
		opts.mergeThreshold = opts.nodeSize / 4
	}

	if opts.nodeSize < minNodeSize || opts.nodeSize > maxNodeSize || opts.nodeSize%8 != 0 {
		return opts, fmt.Errorf("bztree: invalid node size %d", opts.nodeSize)
	}
	if opts.splitThreshold < node.HeaderSize+2*node.MetadataSize || opts.splitThreshold > maxNodeSize {
		return opts, fmt.Errorf("bztree: invalid split threshold %d", opts.splitThreshold)
	}
	if opts.arenaChunkSize > 0 && opts.arenaChunkSize < opts.nodeSize {
		return opts, fmt.Errorf("bztree: arena chunk size %d below node size", opts.arenaChunkSize)
	}
	return opts, nil
}
