package ixdb

import (
	"sort"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
)

func (t *Tree) mainBucket(btx *bolt.Tx) (*bolt.Bucket, error) {
	b := btx.Bucket([]byte(t.name))
	if b == nil {
		return nil, newError("tree", CodeNotFound, "tree %q does not exist", t.name)
	}
	return b, nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// requireKey rejects the zero-length key spec.md §8 names as InvalidArg.
func requireKey(key []byte) error {
	if len(key) == 0 {
		return newError("tree", CodeInvalidArg, "zero-length key")
	}
	return nil
}

// finish applies the bookkeeping every successful mutation needs inside
// the same backing transaction it wrote in: a dirty-op tick against the
// transaction-size ceiling and a refreshed metadata record reflecting the
// tree's new count.
func (t *Tree) finish(txn *Txn, countDelta int64) error {
	if err := txn.noteDirtyOp("tree"); err != nil {
		return err
	}
	if countDelta != 0 {
		atomic.AddInt64(&t.count, countDelta)
	}
	if err := t.persistMeta(txn.tx); err != nil {
		if countDelta != 0 {
			atomic.AddInt64(&t.count, -countDelta)
		}
		return err
	}
	return nil
}

func (t *Tree) withWriteTxn(fn func(txn *Txn) error) error {
	txn, err := t.db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

func (t *Tree) withReadTxn(fn func(txn *Txn) error) error {
	txn, err := t.db.Begin(false)
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

// --- single-record mutation protocol ---

// InsertWithTxn inserts key/value within an explicit write transaction,
// failing with CodeKeyExists if key is already present. Every attached
// index's unique-constraint is checked before the main-tree write, so a
// rejected insert never touches the main bucket or any index bucket.
func (t *Tree) InsertWithTxn(txn *Txn, key, value []byte) error {
	if err := txn.requireWritable("tree"); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	main, err := t.mainBucket(txn.tx)
	if err != nil {
		return err
	}
	if main.Get(key) != nil {
		return newError("tree", CodeKeyExists, "key already exists")
	}
	if err := checkIndexPreconditions(txn.tx, t, key, value); err != nil {
		return err
	}
	if err := main.Put(key, value); err != nil {
		return translateErr("tree", err)
	}
	if err := insertIndexEntries(txn.tx, t, key, value); err != nil {
		return err
	}
	return t.finish(txn, 1)
}

// Insert inserts key/value in its own implicit write transaction.
func (t *Tree) Insert(key, value []byte) error {
	return t.withWriteTxn(func(txn *Txn) error { return t.InsertWithTxn(txn, key, value) })
}

// UpdateWithTxn replaces the value for an existing key, failing with
// CodeNotFound if it is absent. Old index entries are removed and new
// ones written in the same transaction.
func (t *Tree) UpdateWithTxn(txn *Txn, key, value []byte) error {
	if err := txn.requireWritable("tree"); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	main, err := t.mainBucket(txn.tx)
	if err != nil {
		return err
	}
	old := main.Get(key)
	if old == nil {
		return newError("tree", CodeNotFound, "key not found")
	}
	old = copyBytes(old)
	if err := checkIndexPreconditions(txn.tx, t, key, value); err != nil {
		return err
	}
	if err := deleteIndexEntries(txn.tx, t, key, old); err != nil {
		return err
	}
	if err := main.Put(key, value); err != nil {
		return translateErr("tree", err)
	}
	if err := insertIndexEntries(txn.tx, t, key, value); err != nil {
		return err
	}
	return t.finish(txn, 0)
}

// Update replaces the value for an existing key in its own implicit write
// transaction.
func (t *Tree) Update(key, value []byte) error {
	return t.withWriteTxn(func(txn *Txn) error { return t.UpdateWithTxn(txn, key, value) })
}

// UpsertWithTxn inserts key/value, or updates it if present. When the tree
// has a merge function installed (SetMergeFn), an existing value is
// combined with the incoming one via that function instead of being
// overwritten outright; the merge function returning ok=false aborts the
// upsert with CodeGeneric.
func (t *Tree) UpsertWithTxn(txn *Txn, key, value []byte) error {
	if err := txn.requireWritable("tree"); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	main, err := t.mainBucket(txn.tx)
	if err != nil {
		return err
	}
	old := main.Get(key)
	if old == nil {
		if err := checkIndexPreconditions(txn.tx, t, key, value); err != nil {
			return err
		}
		if err := main.Put(key, value); err != nil {
			return translateErr("tree", err)
		}
		if err := insertIndexEntries(txn.tx, t, key, value); err != nil {
			return err
		}
		return t.finish(txn, 1)
	}

	old = copyBytes(old)
	newValue := value
	t.mu.RLock()
	mergeFn, userData := t.mergeFn, t.mergeUserData
	t.mu.RUnlock()
	if mergeFn != nil {
		merged, ok := mergeFn(old, value, userData)
		if !ok {
			return newError("tree", CodeGeneric, "merge function rejected upsert")
		}
		newValue = merged
	}

	if err := checkIndexPreconditions(txn.tx, t, key, newValue); err != nil {
		return err
	}
	if err := deleteIndexEntries(txn.tx, t, key, old); err != nil {
		return err
	}
	if err := main.Put(key, newValue); err != nil {
		return translateErr("tree", err)
	}
	if err := insertIndexEntries(txn.tx, t, key, newValue); err != nil {
		return err
	}
	return t.finish(txn, 0)
}

// Upsert inserts or updates key/value in its own implicit write
// transaction.
func (t *Tree) Upsert(key, value []byte) error {
	return t.withWriteTxn(func(txn *Txn) error { return t.UpsertWithTxn(txn, key, value) })
}

// DeleteWithTxn removes key, failing with CodeNotFound if it is absent.
func (t *Tree) DeleteWithTxn(txn *Txn, key []byte) error {
	if err := txn.requireWritable("tree"); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	main, err := t.mainBucket(txn.tx)
	if err != nil {
		return err
	}
	old := main.Get(key)
	if old == nil {
		return newError("tree", CodeNotFound, "key not found")
	}
	old = copyBytes(old)
	if err := deleteIndexEntries(txn.tx, t, key, old); err != nil {
		return err
	}
	if err := main.Delete(key); err != nil {
		return translateErr("tree", err)
	}
	return t.finish(txn, -1)
}

// Delete removes key in its own implicit write transaction.
func (t *Tree) Delete(key []byte) error {
	return t.withWriteTxn(func(txn *Txn) error { return t.DeleteWithTxn(txn, key) })
}

// ModifyFunc computes a record's next value given its current value
// (exists=false when the key is absent). Returning delete=true removes the
// key instead of writing newValue, letting Modify implement both
// get-or-initialize counters and conditional deletes with one atomic
// read-modify-write.
type ModifyFunc func(old []byte, exists bool) (newValue []byte, delete bool, err error)

// ModifyWithTxn atomically reads key's current value, applies fn, and
// writes the result (or deletes the key), maintaining indexes and the
// cached count accordingly. This is the primitive an atomic counter is
// built on: fn reads the prior count and returns the incremented one.
func (t *Tree) ModifyWithTxn(txn *Txn, key []byte, fn ModifyFunc) error {
	if err := txn.requireWritable("tree"); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	main, err := t.mainBucket(txn.tx)
	if err != nil {
		return err
	}
	old := main.Get(key)
	exists := old != nil
	old = copyBytes(old)

	newValue, del, err := fn(old, exists)
	if err != nil {
		return wrapError("tree", CodeGeneric, err, "modify function failed")
	}

	switch {
	case del:
		if !exists {
			return nil
		}
		if err := deleteIndexEntries(txn.tx, t, key, old); err != nil {
			return err
		}
		if err := main.Delete(key); err != nil {
			return translateErr("tree", err)
		}
		return t.finish(txn, -1)
	case exists:
		if err := checkIndexPreconditions(txn.tx, t, key, newValue); err != nil {
			return err
		}
		if err := deleteIndexEntries(txn.tx, t, key, old); err != nil {
			return err
		}
		if err := main.Put(key, newValue); err != nil {
			return translateErr("tree", err)
		}
		if err := insertIndexEntries(txn.tx, t, key, newValue); err != nil {
			return err
		}
		return t.finish(txn, 0)
	default:
		if err := checkIndexPreconditions(txn.tx, t, key, newValue); err != nil {
			return err
		}
		if err := main.Put(key, newValue); err != nil {
			return translateErr("tree", err)
		}
		if err := insertIndexEntries(txn.tx, t, key, newValue); err != nil {
			return err
		}
		return t.finish(txn, 1)
	}
}

// Modify runs fn against key in its own implicit write transaction.
func (t *Tree) Modify(key []byte, fn ModifyFunc) error {
	return t.withWriteTxn(func(txn *Txn) error { return t.ModifyWithTxn(txn, key, fn) })
}

// --- point reads ---

// Get returns the value stored under key, or CodeNotFound if absent. The
// returned slice is a copy safe to retain past the lookup.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	var out []byte
	err := t.withReadTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}
		v := main.Get(key)
		if v == nil {
			return newError("tree", CodeNotFound, "key not found")
		}
		out = copyBytes(v)
		return nil
	})
	return out, err
}

// Exists reports whether key is present.
func (t *Tree) Exists(key []byte) (bool, error) {
	if err := requireKey(key); err != nil {
		return false, err
	}
	var found bool
	err := t.withReadTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}
		found = main.Get(key) != nil
		return nil
	})
	return found, err
}

// --- batch operations ---

// InsertMany inserts every key/value pair in one write transaction,
// failing fast (and rolling back every prior insert in the batch) on the
// first key already present.
func (t *Tree) InsertMany(items map[string][]byte) error {
	if len(items) == 0 {
		return newError("tree", CodeInvalidArg, "empty batch")
	}
	return t.withWriteTxn(func(txn *Txn) error {
		for k, v := range items {
			if err := t.InsertWithTxn(txn, []byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertMany upserts every key/value pair in one write transaction.
func (t *Tree) UpsertMany(items map[string][]byte) error {
	if len(items) == 0 {
		return newError("tree", CodeInvalidArg, "empty batch")
	}
	return t.withWriteTxn(func(txn *Txn) error {
		for k, v := range items {
			if err := t.UpsertWithTxn(txn, []byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMany looks up every key in one read transaction. Missing keys are
// simply absent from the result map rather than causing an error.
func (t *Tree) GetMany(keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := t.withReadTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if v := main.Get(k); v != nil {
				out[string(k)] = copyBytes(v)
			}
		}
		return nil
	})
	return out, err
}

// ExistsMany reports, for every key, whether it is present.
func (t *Tree) ExistsMany(keys [][]byte) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	err := t.withReadTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			out[string(k)] = main.Get(k) != nil
		}
		return nil
	})
	return out, err
}

// --- range iteration ---

// KVPair is one key/value pair returned by CollectRange.
type KVPair struct {
	Key   []byte
	Value []byte
}

// VisitFunc is called once per entry during a scan. Returning cont=false
// stops the scan early without error.
type VisitFunc func(key, value []byte) (cont bool, err error)

// Scan visits every entry with key in [start, end) in ascending order. A
// nil start begins at the first key; a nil end continues to the last key.
// When the tree has a custom CompareFunc installed, bbolt's native
// byte-order cursor cannot be used directly for ordering purposes, so Scan
// materializes the range and sorts it in memory before visiting.
func (t *Tree) Scan(start, end []byte, visit VisitFunc) error {
	return t.withReadTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}
		t.mu.RLock()
		cmp := t.compare
		t.mu.RUnlock()

		if cmp == nil {
			cur := main.Cursor()
			var k, v []byte
			if start == nil {
				k, v = cur.First()
			} else {
				k, v = cur.Seek(start)
			}
			for ; k != nil; k, v = cur.Next() {
				if end != nil && bytesCompare(k, end) >= 0 {
					break
				}
				cont, err := visit(copyBytes(k), copyBytes(v))
				if err != nil {
					return err
				}
				if !cont {
					break
				}
			}
			return nil
		}

		pairs := collectSorted(main, start, end, cmp)
		for _, p := range pairs {
			cont, err := visit(p.Key, p.Value)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

// ScanReverse visits every entry with key in [start, end) in descending
// order.
func (t *Tree) ScanReverse(start, end []byte, visit VisitFunc) error {
	return t.withReadTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}
		t.mu.RLock()
		cmp := t.compare
		t.mu.RUnlock()

		if cmp == nil {
			cur := main.Cursor()
			var k, v []byte
			if end == nil {
				k, v = cur.Last()
			} else {
				k, v = cur.Seek(end)
				if k == nil {
					k, v = cur.Last()
				} else if bytesCompare(k, end) >= 0 {
					k, v = cur.Prev()
				}
			}
			for ; k != nil; k, v = cur.Prev() {
				if start != nil && bytesCompare(k, start) < 0 {
					break
				}
				cont, err := visit(copyBytes(k), copyBytes(v))
				if err != nil {
					return err
				}
				if !cont {
					break
				}
			}
			return nil
		}

		pairs := collectSorted(main, start, end, cmp)
		for i := len(pairs) - 1; i >= 0; i-- {
			cont, err := visit(pairs[i].Key, pairs[i].Value)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

// ScanPrefix visits every entry whose key starts with prefix, in ascending
// order.
func (t *Tree) ScanPrefix(prefix []byte, visit VisitFunc) error {
	return t.withReadTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}
		cur := main.Cursor()
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			cont, err := visit(copyBytes(k), copyBytes(v))
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

// CollectRange materializes every entry with key in [start, end) into a
// slice, ordered the same way Scan would visit them.
func (t *Tree) CollectRange(start, end []byte) ([]KVPair, error) {
	var out []KVPair
	err := t.Scan(start, end, func(k, v []byte) (bool, error) {
		out = append(out, KVPair{Key: k, Value: v})
		return true, nil
	})
	return out, err
}

// DeleteIf deletes every entry with key in [start, end) for which pred
// returns true, in one write transaction, and reports how many were
// removed.
func (t *Tree) DeleteIf(start, end []byte, pred func(key, value []byte) bool) (int, error) {
	var removed int
	err := t.withWriteTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}
		var matched [][]byte
		cur := main.Cursor()
		var k, v []byte
		if start == nil {
			k, v = cur.First()
		} else {
			k, v = cur.Seek(start)
		}
		for ; k != nil; k, v = cur.Next() {
			if end != nil && bytesCompare(k, end) >= 0 {
				break
			}
			if pred(k, v) {
				matched = append(matched, copyBytes(k))
			}
		}
		for _, k := range matched {
			if err := t.DeleteWithTxn(txn, k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func collectSorted(main *bolt.Bucket, start, end []byte, cmp CompareFunc) []KVPair {
	var pairs []KVPair
	cur := main.Cursor()
	var k, v []byte
	if start == nil {
		k, v = cur.First()
	} else {
		k, v = cur.Seek(start)
	}
	for ; k != nil; k, v = cur.Next() {
		if end != nil && bytesCompare(k, end) >= 0 {
			break
		}
		pairs = append(pairs, KVPair{Key: copyBytes(k), Value: copyBytes(v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return cmp(pairs[i].Key, pairs[j].Key) < 0 })
	return pairs
}
