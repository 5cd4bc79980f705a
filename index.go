package ixdb

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Index is a secondary index attached to a tree: an extractor that derives
// an index key from a main-tree value, a uniqueness/sparseness policy, and
// the backing bucket the entries physically live in.
type Index struct {
	Name         string
	ExtractorKey uint64
	Unique       bool
	Sparse       bool
	UserData     []byte

	extractor  Extractor
	bucketName []byte
}

// indexSet is the ordered collection of indexes attached to one tree.
// Order is preserved so Tree.Indexes/IndexNames report indexes in the
// order they were added, matching how the metadata record round-trips
// them.
type indexSet struct {
	list []*Index
}

func newIndexSet() *indexSet { return &indexSet{} }

func (s *indexSet) names() []string {
	out := make([]string, len(s.list))
	for i, idx := range s.list {
		out[i] = idx.Name
	}
	return out
}

func (s *indexSet) get(name string) (*Index, bool) {
	for _, idx := range s.list {
		if idx.Name == name {
			return idx, true
		}
	}
	return nil, false
}

func (s *indexSet) add(idx *Index) error {
	if _, found := s.get(idx.Name); found {
		return newError("index", CodeKeyExists, "index %q already exists", idx.Name)
	}
	s.list = append(s.list, idx)
	return nil
}

func (s *indexSet) remove(name string) bool {
	for i, idx := range s.list {
		if idx.Name == name {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return true
		}
	}
	return false
}

// --- physical layout ---
//
// Unique indexes store indexKey -> mainKey directly in the index bucket,
// so a unique-constraint check and a point lookup are both a single Get.
//
// Non-unique indexes cannot use the index key as the bucket key (bbolt
// buckets are plain maps, one value per key), so entries are stored under
// a composite key: a big-endian uint32 length prefix, the index key
// itself, then the main key. The length prefix makes the indexKey/mainKey
// boundary unambiguous even when either can contain arbitrary bytes, which
// a bare separator byte could not guarantee. Lexicographic order over the
// composite key matches lexicographic order over indexKey followed by
// mainKey, which is what a range scan over the index wants. The value
// stored alongside is empty; the main key needed to fetch the full record
// is already embedded in the composite key itself.

func compositeIndexKey(indexKey, mainKey []byte) []byte {
	out := make([]byte, 4+len(indexKey)+len(mainKey))
	binary.BigEndian.PutUint32(out[:4], uint32(len(indexKey)))
	copy(out[4:], indexKey)
	copy(out[4+len(indexKey):], mainKey)
	return out
}

func splitCompositeIndexKey(composite []byte) (indexKey, mainKey []byte, ok bool) {
	if len(composite) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(composite[:4])
	rest := composite[4:]
	if uint32(len(rest)) < n {
		return nil, nil, false
	}
	return rest[:n], rest[n:], true
}

// checkInsertPrecondition validates that value's extracted key for this
// index would not violate a unique constraint, without writing anything. A
// match against mainKey itself (the record already owning that slot, as
// when an update leaves a unique key unchanged) is not a conflict.
func (idx *Index) checkInsertPrecondition(btx *bolt.Tx, mainKey, value []byte) error {
	key, ok := idx.extractor(value, idx.UserData)
	if !ok {
		if idx.Sparse {
			return nil
		}
		return newError("index", CodeIndexError, "index %q: extractor declined non-sparse value", idx.Name)
	}
	if !idx.Unique {
		return nil
	}

	bucket := btx.Bucket(idx.bucketName)
	if bucket == nil {
		return newError("index", CodeIndexError, "index %q: backing bucket missing", idx.Name)
	}
	if existing := bucket.Get(key); existing != nil && !bytesEqual(existing, mainKey) {
		return newError("index", CodeIndexError, "index %q: duplicate key", idx.Name)
	}
	return nil
}

// insertEntry derives an index key from value and writes the corresponding
// index entry. A sparse index that extracts ok=false for this value writes
// nothing. A unique index rejects a duplicate key with CodeIndexError,
// leaving the backing bucket untouched; callers that already ran
// checkIndexPreconditions for every attached index should not see this
// happen in practice.
func (idx *Index) insertEntry(btx *bolt.Tx, mainKey, value []byte) error {
	key, ok := idx.extractor(value, idx.UserData)
	if !ok {
		if idx.Sparse {
			return nil
		}
		return newError("index", CodeIndexError, "index %q: extractor declined non-sparse value", idx.Name)
	}

	bucket := btx.Bucket(idx.bucketName)
	if bucket == nil {
		return newError("index", CodeIndexError, "index %q: backing bucket missing", idx.Name)
	}

	if idx.Unique {
		if existing := bucket.Get(key); existing != nil && !bytesEqual(existing, mainKey) {
			return newError("index", CodeIndexError, "index %q: duplicate key", idx.Name)
		}
		if err := bucket.Put(key, mainKey); err != nil {
			return translateErr("index", err)
		}
		return nil
	}

	if err := bucket.Put(compositeIndexKey(key, mainKey), nil); err != nil {
		return translateErr("index", err)
	}
	return nil
}

// deleteEntry removes the index entry derived from oldValue's extracted
// key, the mirror image of insertEntry. A sparse index that declined
// oldValue has nothing to remove.
func (idx *Index) deleteEntry(btx *bolt.Tx, mainKey, oldValue []byte) error {
	key, ok := idx.extractor(oldValue, idx.UserData)
	if !ok {
		return nil
	}

	bucket := btx.Bucket(idx.bucketName)
	if bucket == nil {
		return newError("index", CodeIndexError, "index %q: backing bucket missing", idx.Name)
	}

	if idx.Unique {
		if err := bucket.Delete(key); err != nil {
			return translateErr("index", err)
		}
		return nil
	}
	if err := bucket.Delete(compositeIndexKey(key, mainKey)); err != nil {
		return translateErr("index", err)
	}
	return nil
}

// checkIndexPreconditions validates, against every index attached to tree,
// that value could be written for mainKey without a unique-constraint
// conflict. It performs no writes, so a caller that runs this before
// touching the main bucket or any index bucket can be sure a failure here
// leaves the transaction exactly as it found it.
func checkIndexPreconditions(btx *bolt.Tx, tree *Tree, mainKey, value []byte) error {
	for _, idx := range tree.indexes.list {
		if err := idx.checkInsertPrecondition(btx, mainKey, value); err != nil {
			tree.db.metrics.observeIndexError(tree.name, idx.Name)
			return err
		}
	}
	return nil
}

// insertIndexEntries runs insertEntry across every index attached to a
// tree, in attachment order, stopping at the first failure. Callers are
// responsible for aborting the enclosing transaction on error so a partial
// set of index writes never commits.
func insertIndexEntries(btx *bolt.Tx, tree *Tree, mainKey, value []byte) error {
	for _, idx := range tree.indexes.list {
		if err := idx.insertEntry(btx, mainKey, value); err != nil {
			tree.db.metrics.observeIndexError(tree.name, idx.Name)
			return err
		}
	}
	return nil
}

// deleteIndexEntries runs deleteEntry across every index attached to a
// tree. Unlike insertIndexEntries it does not stop at the first failure:
// a missing backing bucket for one index must not leave stale entries in
// the others when removing a record that is being deleted regardless.
func deleteIndexEntries(btx *bolt.Tx, tree *Tree, mainKey, oldValue []byte) error {
	var first error
	for _, idx := range tree.indexes.list {
		if err := idx.deleteEntry(btx, mainKey, oldValue); err != nil {
			tree.db.metrics.observeIndexError(tree.name, idx.Name)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// AddIndex attaches a new, empty secondary index to the tree in one write
// transaction. It does not populate the index from existing records —
// that is PopulateIndex's job, a separate, optional, explicit step, so a
// caller can add an index descriptor without paying for a full-table scan
// in the same call.
func (t *Tree) AddIndex(name string, version uint32, flags byte, userData []byte) error {
	if name == "" {
		return newError("index", CodeInvalidArg, "empty index name")
	}

	t.mu.Lock()
	if _, found := t.indexes.get(name); found {
		t.mu.Unlock()
		return newError("index", CodeKeyExists, "index %q already exists", name)
	}
	t.mu.Unlock()

	extractor, found := t.db.registry.Lookup(version, flags)
	if !found {
		return newError("index", CodeIndexError, "no extractor registered for version=%d flags=0x%02x", version, flags)
	}

	txn, err := t.db.Begin(true)
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

	if btx.Bucket([]byte(t.name)) == nil {
		return newError("index", CodeNotFound, "tree %q does not exist", t.name)
	}

	idx := &Index{
		Name: name, ExtractorKey: ExtractorKey(version, flags),
		Unique: flags&FlagUnique != 0, Sparse: flags&FlagSparse != 0,
		UserData: userData, extractor: extractor,
		bucketName: indexBucketName(t.name, name),
	}

	if _, err := btx.CreateBucket(idx.bucketName); err != nil {
		return translateErr("index", err)
	}

	t.mu.Lock()
	if addErr := t.indexes.add(idx); addErr != nil {
		t.mu.Unlock()
		return addErr
	}
	t.mu.Unlock()

	if err := t.persistMeta(btx); err != nil {
		t.mu.Lock()
		t.indexes.remove(name)
		t.mu.Unlock()
		return err
	}

	if err := txn.Commit(); err != nil {
		t.mu.Lock()
		t.indexes.remove(name)
		t.mu.Unlock()
		return err
	}
	committed = true
	return nil
}

// PopulateIndex scans every record currently in the tree and writes the
// index entries an already-attached index should have, in one write
// transaction. If a unique-constraint conflict is found the whole
// operation rolls back, leaving the index exactly as it was before the
// call (empty, if this is the first population after AddIndex).
func (t *Tree) PopulateIndex(name string) error {
	t.mu.RLock()
	idx, found := t.indexes.get(name)
	t.mu.RUnlock()
	if !found {
		return newError("index", CodeNotFound, "index %q does not exist", name)
	}

	txn, err := t.db.Begin(true)
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

	main := btx.Bucket([]byte(t.name))
	if main == nil {
		return newError("index", CodeNotFound, "tree %q does not exist", t.name)
	}

	cur := main.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		if err := idx.insertEntry(btx, k, v); err != nil {
			return fmt.Errorf("populate index %q: %w", name, err)
		}
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// DropIndex removes an index, discarding its backing bucket and metadata
// entry in one write transaction. Dropping an index that does not exist is
// NotFound.
func (t *Tree) DropIndex(name string) error {
	t.mu.Lock()
	idx, found := t.indexes.get(name)
	t.mu.Unlock()
	if !found {
		return newError("index", CodeNotFound, "index %q does not exist", name)
	}

	txn, err := t.db.Begin(true)
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

	if err := btx.DeleteBucket(idx.bucketName); err != nil && err != bolt.ErrBucketNotFound {
		return translateErr("index", err)
	}

	t.mu.Lock()
	t.indexes.remove(name)
	t.mu.Unlock()

	if err := t.persistMeta(btx); err != nil {
		t.mu.Lock()
		t.indexes.add(idx)
		t.mu.Unlock()
		return err
	}
	if err := txn.Commit(); err != nil {
		t.mu.Lock()
		t.indexes.add(idx)
		t.mu.Unlock()
		return err
	}
	committed = true
	return nil
}
