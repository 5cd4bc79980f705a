package ixdb

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// metaBucketName is the reserved sub-collection holding tree-metadata
// records, one per open tree, keyed by tree name. Its name cannot collide
// with a user tree name because tree names are validated against
// reservedPrefix/metaBucketName at Open time.
var metaBucketName = []byte("$meta")

// reservedPrefix marks every sub-collection that backs a secondary index;
// opening a user tree whose name starts with this prefix is InvalidArg.
const reservedPrefix = "idx:"

// maxDirtyOps bounds the number of successful mutations (each Insert,
// Update, Upsert, Delete or Modify that writes, counted once however many
// bucket Puts/Deletes it makes) a single write transaction may perform
// before ixdb reports CodeTxnFull, the closest
// analog bbolt's auto-growing mmap has to the backing store's own
// dirty-page/txn-size ceiling. Callers hitting it should split their batch
// into smaller write transactions.
const maxDirtyOps = 200000

// DB represents an opened ixdb environment: the underlying bbolt
// environment, the extractor registry, and the table of open tree handles.
type DB struct {
	mu    sync.Mutex
	env   *bolt.DB
	path  string
	opts  Options

	registry *Registry
	trees    map[string]*Tree

	logger  zerolog.Logger
	metrics *metricsCollector
}

// Open opens (creating if necessary) an ixdb environment at path.
func Open(path string, opts ...Option) (*DB, error) {
	if path == "" {
		return nil, newError("db", CodeInvalidArg, "empty path")
	}

	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	boltOpts := &bolt.Options{
		ReadOnly:        o.ReadOnly,
		InitialMmapSize: int(o.MapSize),
	}
	env, err := bolt.Open(path, 0600, boltOpts)
	if err != nil {
		return nil, wrapError("db", CodeGeneric, err, "open %q", path)
	}
	env.NoSync = o.NoSync

	if !o.ReadOnly {
		if err := env.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(metaBucketName)
			return err
		}); err != nil {
			env.Close()
			return nil, wrapError("db", CodeGeneric, err, "initialize metadata bucket")
		}
	}

	db := &DB{
		env:      env,
		path:     path,
		opts:     o,
		registry: NewRegistry(),
		trees:    make(map[string]*Tree),
		logger:   o.Logger,
	}
	db.metrics = newMetricsCollector(db)

	db.logger.Debug().Str("path", path).Msg("ixdb: opened database")
	return db, nil
}

// Close releases all database resources. Close is idempotent on an
// already-closed (nil env) database.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.env == nil {
		return nil
	}
	err := db.env.Close()
	db.env = nil
	db.trees = nil
	if err != nil {
		return wrapError("db", CodeGeneric, err, "close %q", db.path)
	}
	return nil
}

// RegisterExtractor registers an extractor under the given (version,
// flags) composite key. Must be called before any tree that references
// this combination is opened or mutated. Double-registration fails with
// ErrKeyExists.
func (db *DB) RegisterExtractor(version uint32, flags byte, fn Extractor) error {
	return db.registry.Register(version, flags, fn)
}

// Sync flushes pending writes to disk. With force=true the backing store
// performs a synchronous fsync; with force=false it relies on whatever
// sync policy bbolt's NoSync option already implies for this database (see
// DESIGN.md: ixdb defines no fsync policy of its own beyond delegating to
// the backing store).
func (db *DB) Sync(force bool) error {
	db.mu.Lock()
	env := db.env
	db.mu.Unlock()
	if env == nil {
		return newError("db", CodeInvalidArg, "database is closed")
	}
	if !force {
		return nil
	}
	if err := env.Sync(); err != nil {
		return wrapError("db", CodeGeneric, err, "sync")
	}
	return nil
}

// Stats reports backing-store statistics: page size, maximum observed
// B+-tree depth across all buckets, total entry count, and free pages
// available for reuse.
type Stats struct {
	PageSize  int
	Depth     int
	Entries   int64
	FreePages int
}

// Stats returns a point-in-time snapshot of backing-store statistics.
func (db *DB) Stats() (Stats, error) {
	db.mu.Lock()
	env := db.env
	db.mu.Unlock()
	if env == nil {
		return Stats{}, newError("db", CodeInvalidArg, "database is closed")
	}

	info := env.Info()
	boltStats := env.Stats()

	var depth int
	var entries int64
	err := env.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			bs := b.Stats()
			if bs.Depth > depth {
				depth = bs.Depth
			}
			entries += int64(bs.KeyN)
			return nil
		})
	})
	if err != nil {
		return Stats{}, wrapError("db", CodeGeneric, err, "stats")
	}

	return Stats{
		PageSize:  info.PageSize,
		Depth:     depth,
		Entries:   entries,
		FreePages: boltStats.FreePageN,
	}, nil
}

// Resize raises the environment's configured memory-map ceiling. Permitted
// only when no write transaction is active in the process; trees opened
// before Resize remain valid and usable afterward.
//
// bbolt itself auto-grows its mmap as needed and exposes no fixed ceiling
// to configure; ixdb simulates a hard mapsize ceiling by tracking
// opts.MapSize itself and refusing writes that would push the
// environment's data size past it (see checkMapFull in txn.go), so Resize
// only needs to raise that tracked limit.
func (db *DB) Resize(newMapSize int64) error {
	if newMapSize <= 0 {
		return newError("db", CodeInvalidArg, "non-positive map size")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.env == nil {
		return newError("db", CodeInvalidArg, "database is closed")
	}
	db.opts.MapSize = newMapSize
	return nil
}

func (o *Options) effectiveMapSize() int64 {
	if o.MapSize <= 0 {
		return defaultMapSize
	}
	return o.MapSize
}

func isReservedTreeName(name []byte) bool {
	return bytes.HasPrefix(name, []byte(reservedPrefix)) || bytes.Equal(name, metaBucketName)
}

func indexBucketName(tree, index string) []byte {
	return []byte(reservedPrefix + tree + ":" + index)
}
