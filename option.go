package bufpool

import "bufpool/internal/wal"

// SyncMode controls when the write-ahead log is fsynced to disk.
type SyncMode int

const (
	// SyncEveryAppend fsyncs the log after every page-image record.
	// - Zero loss window
	// - Limited by fsync latency (typically 1-10ms per append)
	SyncEveryAppend SyncMode = iota

	// SyncOff disables log fsync entirely (testing/bulk loads only).
	SyncOff
)

// Options configures pool behavior.
type Options struct {
	poolSize    int // number of frames
	replacerK   int // the K of LRU-K
	logger      Logger
	walEnabled  bool
	walSyncMode SyncMode
}

// DefaultOptions returns safe default configuration.
func DefaultOptions() Options {
	return Options{
		poolSize:    64,
		replacerK:   2,
		logger:      DiscardLogger{},
		walSyncMode: SyncEveryAppend,
	}
}

// Option configures pool options using the functional options pattern.
type Option func(*Options)

// WithPoolSize sets the number of in-memory frames. Values below 1 are
// ignored.
func WithPoolSize(n int) Option {
	return func(opts *Options) {
		if n > 0 {
			opts.poolSize = n
		}
	}
}

// WithReplacerK sets the K of the LRU-K replacement policy, typically >= 2.
// Values below 1 are ignored.
func WithReplacerK(k int) Option {
	return func(opts *Options) {
		if k > 0 {
			opts.replacerK = k
		}
	}
}

// WithLogger sets the logger. The standard library's *slog.Logger satisfies
// the Logger interface directly.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l != nil {
			opts.logger = l
		}
	}
}

// WithWAL enables the write-ahead log. Page images are appended to
// <path>.wal before every write-back.
func WithWAL(mode SyncMode) Option {
	return func(opts *Options) {
		opts.walEnabled = true
		opts.walSyncMode = mode
	}
}

func (m SyncMode) walMode() wal.SyncMode {
	if m == SyncOff {
		return wal.SyncOff
	}
	return wal.SyncEveryAppend
}
