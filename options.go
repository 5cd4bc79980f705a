package ixdb

import "github.com/rs/zerolog"

// defaultMapSize is the initial memory-map size handed to bbolt when the
// caller does not specify one. It is intentionally small; MapFull is a
// recoverable condition the caller handles via Resize, not something this
// package tries to avoid by over-allocating up front.
const defaultMapSize = 1 << 20 // 1 MiB

// defaultMaxTrees is the MaxTrees value recorded in Options when the caller
// does not set one. The value is stored only: neither ixdb nor bbolt limits
// the number of trees, index buckets or other top-level buckets.
const defaultMaxTrees = 1024

// Options configures Open. Use the With* functions to build one; the zero
// value is not meant to be constructed directly by callers.
type Options struct {
	MapSize       int64
	MaxTrees      int
	SchemaVersion uint32
	ReadOnly      bool
	NoSync        bool
	Logger        zerolog.Logger
}

// Option mutates an Options value. Follows the functional-options idiom
// used across the retrieval pack's configuration surfaces.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		MapSize:  defaultMapSize,
		MaxTrees: defaultMaxTrees,
		Logger:   zerolog.Nop(),
	}
}

// WithMapSize sets the initial memory-map size, in bytes.
func WithMapSize(size int64) Option {
	return func(o *Options) { o.MapSize = size }
}

// WithMaxTrees records a maximum number of named sub-collections in
// Options. It is not enforced; opening more trees than this succeeds.
func WithMaxTrees(n int) Option {
	return func(o *Options) { o.MaxTrees = n }
}

// WithSchemaVersion sets the database's schema version, packed as
// (major << 16) | minor per PackVersion.
func WithSchemaVersion(major, minor uint16) Option {
	return func(o *Options) { o.SchemaVersion = PackVersion(major, minor) }
}

// WithReadOnly opens the environment without ever requesting a write
// transaction. bbolt then takes a shared file lock, so other read-only
// opens can share the file, but not a writable open, which needs an
// exclusive lock.
func WithReadOnly(ro bool) Option {
	return func(o *Options) { o.ReadOnly = ro }
}

// WithNoSync disables the durability fsync on every commit; see Sync and
// DESIGN.md's Open Question decision on sync policy — this package defines
// no fsync policy of its own beyond what bbolt exposes.
func WithNoSync(ns bool) Option {
	return func(o *Options) { o.NoSync = ns }
}

// WithLogger attaches a structured logger. The default is a no-op logger,
// staying silent unless the caller opts in.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// PackVersion packs a major.minor schema version into the single 32-bit
// identifier used throughout ixdb (schema versions, extractor composite
// keys).
func PackVersion(major, minor uint16) uint32 {
	return (uint32(major) << 16) | uint32(minor)
}

// UnpackVersion reverses PackVersion.
func UnpackVersion(version uint32) (major, minor uint16) {
	return uint16(version >> 16), uint16(version & 0xffff)
}
