package ixdb

import "sync"

// Registry is a process-lifetime (here: database-lifetime, see design note
// in DESIGN.md) thread-safe mapping from an extractor's composite key
// (version, flags) to its function pointer. The host program registers
// extractors once, typically at process start, before opening any tree
// that references them; an index persisted in the store references its
// extractor by this composite key so the same binary must expose
// compatible extractors on reopen (DB.OpenTree fails with CodeIndexError
// otherwise).
//
// Unlike the C original this wraps, Registry is a field of the Database
// handle rather than global mutable state, so its lifetime is tied to one
// DB and tests stay hermetic.
type Registry struct {
	mu sync.RWMutex
	m  map[uint64]Extractor
}

// NewRegistry returns an empty extractor registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[uint64]Extractor)}
}

// Register adds an extractor for the given (version, flags) composite key.
// Registering the same key twice fails with ErrKeyExists.
func (r *Registry) Register(version uint32, flags byte, fn Extractor) error {
	if fn == nil {
		return newError("registry", CodeInvalidArg, "nil extractor function")
	}
	key := ExtractorKey(version, flags)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.m[key]; found {
		return newError("registry", CodeKeyExists,
			"extractor already registered for version=%d flags=0x%02x", version, flags)
	}
	r.m[key] = fn
	return nil
}

// Lookup returns the extractor registered for the given composite key, if
// any.
func (r *Registry) Lookup(version uint32, flags byte) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, found := r.m[ExtractorKey(version, flags)]
	return fn, found
}

// lookupKey is Lookup addressed directly by the packed composite key, used
// when rehydrating an index descriptor from its persisted metadata record.
func (r *Registry) lookupKey(key uint64) (Extractor, bool) {
	version, flags := SplitExtractorKey(key)
	return r.Lookup(version, flags)
}
