package synapsedb

import "github.com/synapsedb/synapsedb/internal/pagedindex"

// Options configures a Store, mirroring the teacher's Config[T] struct:
// plain fields with doc comments, zero-valued fields replaced by defaults
// in Open.
type Options struct {
	// Codec selects the page compression codec flushes use while the
	// manifest does not yet name one. Once the manifest records a codec,
	// every flush keeps writing under that codec and Codec is ignored; only
	// a full Compact changes it. Zero value is CodecNone.
	Codec pagedindex.Codec

	// PageSize bounds how many (second, third)-column pairs a single page
	// holds for one primary value before a further page is started. Zero
	// means pagedindex.DefaultPageSize (1024).
	PageSize int

	// ReaderTTLSeconds bounds how long a reader registration is honored
	// before maintenance treats it as abandoned. Zero means
	// DefaultReaderTTLSeconds.
	ReaderTTLSeconds int64

	// HotnessHalfLifeSeconds is the decay half-life for page access
	// counters. Zero means hotness.DefaultHalfLifeSeconds.
	HotnessHalfLifeSeconds float64

	// TxIDRegistryMaxSize bounds the persistent txid idempotence registry.
	// Zero means txids.DefaultMaxSize.
	TxIDRegistryMaxSize int

	// Now returns the current time as an opaque, monotonically-useful
	// integer (unix seconds in production). Tests supply a fake clock so
	// decay and TTL behavior is deterministic. Zero means time.Now().Unix.
	Now func() int64
}

// DefaultReaderTTLSeconds is how long a reader registration is trusted
// before it is considered abandoned, absent crash-free cleanup via
// Reader.Close.
const DefaultReaderTTLSeconds = 5 * 60

func (o Options) withDefaults() Options {
	if o.ReaderTTLSeconds == 0 {
		o.ReaderTTLSeconds = DefaultReaderTTLSeconds
	}

	if o.HotnessHalfLifeSeconds == 0 {
		o.HotnessHalfLifeSeconds = defaultHalfLife
	}

	if o.TxIDRegistryMaxSize == 0 {
		o.TxIDRegistryMaxSize = defaultTxIDRegistryMaxSize
	}

	if o.PageSize == 0 {
		o.PageSize = pagedindex.DefaultPageSize
	}

	if o.Now == nil {
		o.Now = defaultNow
	}

	return o
}
