package ixdb

import (
	"bytes"
	"encoding/gob"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
)

// CompareFunc orders two keys the way a B+-tree cursor would; it follows
// the standard three-way comparison contract (<0, 0, >0). The backing
// bbolt store itself only ever orders bucket keys by raw byte comparison
// (bytes.Compare); when a tree is given a non-default CompareFunc via
// SetCompare, Scan, ScanReverse and CollectRange gather the entries of the
// byte-order range [start, end) and sort them in memory. Exact-match
// lookups, ScanPrefix, DeleteIf, Cursor and IndexCursor do not consult the
// CompareFunc and always use byte order. Indexes take no CompareFunc.
type CompareFunc func(a, b []byte) int

// MergeFunc combines an existing value with an incoming one during Upsert.
// Returning ok=false aborts the upsert with a Generic error, mirroring a
// user-returned-null merge result.
type MergeFunc func(old, new, userData []byte) (merged []byte, ok bool)

// Tree is a named ordered collection plus its attached indexes, its
// optional merge function, its cached entry count, and its persisted
// metadata. Tree handles are safe for concurrent use by multiple
// goroutines for read operations; mutations must be issued through an
// explicit write Txn owned by one goroutine (or via the implicit-Txn
// convenience methods in mutate.go, which serialize through DB.Begin).
type Tree struct {
	db   *DB
	name string

	mu            sync.RWMutex
	compare       CompareFunc
	mergeFn       MergeFunc
	mergeUserData []byte
	indexes       *indexSet

	count int64 // atomic; cached, persisted in the tree-metadata record
}

// Name returns the tree's name.
func (t *Tree) Name() string { return t.name }

// Count returns the tree's cached entry count.
func (t *Tree) Count() int64 { return atomic.LoadInt64(&t.count) }

// SetCompare installs a custom key comparator for ordered traversal.
func (t *Tree) SetCompare(cmp CompareFunc) {
	t.mu.Lock()
	t.compare = cmp
	t.mu.Unlock()
}

// SetMergeFn installs the function Upsert calls when a key already exists.
// userData is passed to every invocation of fn and is not persisted (it is
// supplied by the host process at runtime, not round-tripped through the
// database the way index user-data is).
func (t *Tree) SetMergeFn(fn MergeFunc, userData []byte) {
	t.mu.Lock()
	t.mergeFn = fn
	t.mergeUserData = userData
	t.mu.Unlock()
}

// IndexNames returns the names of every index attached to this tree.
func (t *Tree) IndexNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexes.names()
}

// IndexInfo describes an attached index for introspection purposes.
type IndexInfo struct {
	Name     string
	Unique   bool
	Sparse   bool
	Version  uint32
	Flags    byte
	UserData []byte
}

// Indexes returns descriptive info for every index attached to this tree.
func (t *Tree) Indexes() []IndexInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]IndexInfo, 0, len(t.indexes.list))
	for _, idx := range t.indexes.list {
		version, flags := SplitExtractorKey(idx.ExtractorKey)
		out = append(out, IndexInfo{
			Name: idx.Name, Unique: idx.Unique, Sparse: idx.Sparse,
			Version: version, Flags: flags, UserData: idx.UserData,
		})
	}
	return out
}

// --- persisted tree-metadata record ---

type indexMetaRecord struct {
	Name     string
	Version  uint32
	Flags    byte
	UserData []byte
}

type treeMetaRecord struct {
	Count   int64
	Indexes []indexMetaRecord
}

func readTreeMeta(btx *bolt.Tx, name string) (treeMetaRecord, bool, error) {
	meta := btx.Bucket(metaBucketName)
	if meta == nil {
		return treeMetaRecord{}, false, newError("tree", CodeGeneric, "metadata bucket missing")
	}
	data := meta.Get([]byte(name))
	if data == nil {
		return treeMetaRecord{}, false, nil
	}
	var rec treeMetaRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return treeMetaRecord{}, false, wrapError("tree", CodeGeneric, err, "decode metadata for %q", name)
	}
	return rec, true, nil
}

func writeTreeMeta(btx *bolt.Tx, name string, rec treeMetaRecord) error {
	meta := btx.Bucket(metaBucketName)
	if meta == nil {
		return newError("tree", CodeGeneric, "metadata bucket missing")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return wrapError("tree", CodeGeneric, err, "encode metadata for %q", name)
	}
	if err := meta.Put([]byte(name), buf.Bytes()); err != nil {
		return translateErr("tree", err)
	}
	return nil
}

func deleteTreeMeta(btx *bolt.Tx, name string) error {
	meta := btx.Bucket(metaBucketName)
	if meta == nil {
		return nil
	}
	if err := meta.Delete([]byte(name)); err != nil {
		return translateErr("tree", err)
	}
	return nil
}

// persistMeta writes the tree's current count and index set into the
// metadata bucket inside the given (already open, writable) backing
// transaction. Every mutation that changes count or the index set calls
// this before the enclosing Txn commits, so the persisted metadata always
// matches the live index set and count atomically with the data change
// itself.
func (t *Tree) persistMeta(btx *bolt.Tx) error {
	rec := treeMetaRecord{Count: atomic.LoadInt64(&t.count)}
	t.mu.RLock()
	for _, idx := range t.indexes.list {
		version, flags := SplitExtractorKey(idx.ExtractorKey)
		rec.Indexes = append(rec.Indexes, indexMetaRecord{
			Name: idx.Name, Version: version, Flags: flags, UserData: idx.UserData,
		})
	}
	t.mu.RUnlock()
	return writeTreeMeta(btx, t.name, rec)
}

// OpenTree opens (or, with create=true, creates) a named tree, rehydrating
// its attached indexes from the persisted metadata record. Opening a tree
// whose name is reserved (starts with "idx:" or equals the metadata bucket
// name) is InvalidArg. Reopening an already-open tree returns the existing
// handle.
func (db *DB) OpenTree(name string, create bool) (*Tree, error) {
	if name == "" {
		return nil, newError("tree", CodeInvalidArg, "empty tree name")
	}
	if isReservedTreeName([]byte(name)) {
		return nil, newError("tree", CodeInvalidArg, "%q is a reserved name", name)
	}

	db.mu.Lock()
	if t, found := db.trees[name]; found {
		db.mu.Unlock()
		return t, nil
	}
	db.mu.Unlock()

	txn, err := db.Begin(create)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	btx := txn.tx
	bucket := btx.Bucket([]byte(name))
	if bucket == nil {
		if !create {
			return nil, newError("tree", CodeNotFound, "tree %q does not exist", name)
		}
		bucket, err = btx.CreateBucket([]byte(name))
		if err != nil {
			return nil, translateErr("tree", err)
		}
	}
	_ = bucket

	rec, found, err := readTreeMeta(btx, name)
	if err != nil {
		return nil, err
	}

	tree := &Tree{db: db, name: name, indexes: newIndexSet()}
	if found {
		tree.count = rec.Count
		for _, im := range rec.Indexes {
			fn, ok := db.registry.lookupKey(ExtractorKey(im.Version, im.Flags))
			if !ok {
				return nil, newError("tree", CodeIndexError,
					"no extractor registered for index %q (version=%d flags=0x%02x) on tree %q",
					im.Name, im.Version, im.Flags, name)
			}
			idx := &Index{
				Name:         im.Name,
				ExtractorKey: ExtractorKey(im.Version, im.Flags),
				extractor:    fn,
				Unique:       im.Flags&FlagUnique != 0,
				Sparse:       im.Flags&FlagSparse != 0,
				UserData:     im.UserData,
				bucketName:   indexBucketName(name, im.Name),
			}
			tree.indexes.list = append(tree.indexes.list, idx)
		}
	} else if create {
		if err := tree.persistMeta(btx); err != nil {
			return nil, err
		}
	}

	if create {
		if err := txn.Commit(); err != nil {
			return nil, err
		}
		committed = true
	} else {
		if err := txn.Abort(); err != nil {
			return nil, err
		}
		committed = true
	}

	db.mu.Lock()
	db.trees[name] = tree
	db.mu.Unlock()
	return tree, nil
}

// CloseTree releases the in-memory tree handle. Its on-disk bucket and
// index buckets are untouched; a later OpenTree rehydrates a fresh handle.
func (db *DB) CloseTree(name string) {
	db.mu.Lock()
	delete(db.trees, name)
	db.mu.Unlock()
}

// DeleteTree drops the tree's bucket, every backing index sub-collection
// matching the "idx:<name>:" prefix, and the tree's metadata record, all
// inside one write transaction.
func (db *DB) DeleteTree(name string) error {
	if isReservedTreeName([]byte(name)) {
		return newError("tree", CodeInvalidArg, "%q is a reserved name", name)
	}

	txn, err := db.Begin(true)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	btx := txn.tx
	if btx.Bucket([]byte(name)) == nil {
		return newError("tree", CodeNotFound, "tree %q does not exist", name)
	}

	prefix := []byte(reservedPrefix + name + ":")
	var toDrop [][]byte
	if err := btx.ForEach(func(bname []byte, _ *bolt.Bucket) error {
		if bytes.HasPrefix(bname, prefix) {
			cp := make([]byte, len(bname))
			copy(cp, bname)
			toDrop = append(toDrop, cp)
		}
		return nil
	}); err != nil {
		return translateErr("tree", err)
	}
	for _, bname := range toDrop {
		if err := btx.DeleteBucket(bname); err != nil {
			return translateErr("tree", err)
		}
	}

	if err := btx.DeleteBucket([]byte(name)); err != nil {
		return translateErr("tree", err)
	}
	if err := deleteTreeMeta(btx, name); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true

	db.CloseTree(name)
	return nil
}
