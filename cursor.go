package ixdb

import bolt "go.etcd.io/bbolt"

// Cursor walks a tree's main collection directly against the backing
// bbolt cursor: Key/Value are zero-copy and valid only until the cursor
// moves again or its owning Txn ends, matching bbolt's own aliasing rules;
// KeyCopy/ValueCopy heap-allocate a copy safe to retain past that point.
type Cursor struct {
	tree *Tree
	txn  *Txn
	cur  *bolt.Cursor
	k, v []byte
}

// Cursor opens a cursor over the tree's main collection, positioned before
// the first entry, bound to txn's lifetime.
func (t *Tree) Cursor(txn *Txn) (*Cursor, error) {
	if err := txn.requireActive("cursor"); err != nil {
		return nil, err
	}
	main, err := t.mainBucket(txn.tx)
	if err != nil {
		return nil, err
	}
	return &Cursor{tree: t, txn: txn, cur: main.Cursor()}, nil
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool { return c.k != nil }

// Key returns the current entry's key without copying it.
func (c *Cursor) Key() []byte { return c.k }

// Value returns the current entry's value without copying it.
func (c *Cursor) Value() []byte { return c.v }

// KeyCopy returns a heap-allocated copy of the current key.
func (c *Cursor) KeyCopy() []byte { return copyBytes(c.k) }

// ValueCopy returns a heap-allocated copy of the current value.
func (c *Cursor) ValueCopy() []byte { return copyBytes(c.v) }

// First positions the cursor on the first entry.
func (c *Cursor) First() { c.k, c.v = c.cur.First() }

// Last positions the cursor on the last entry.
func (c *Cursor) Last() { c.k, c.v = c.cur.Last() }

// Next advances the cursor to the next entry.
func (c *Cursor) Next() { c.k, c.v = c.cur.Next() }

// Prev moves the cursor to the previous entry.
func (c *Cursor) Prev() { c.k, c.v = c.cur.Prev() }

// Seek positions the cursor on the entry whose key equals target; the
// cursor is left invalid if no such entry exists.
func (c *Cursor) Seek(target []byte) {
	c.k, c.v = c.cur.Seek(target)
	if c.k != nil && !bytesEqual(c.k, target) {
		c.k, c.v = nil, nil
	}
}

// SeekRange positions the cursor on the first entry with key >= target,
// the range-scan entry point as distinguished from the exact-match Seek.
func (c *Cursor) SeekRange(target []byte) { c.k, c.v = c.cur.Seek(target) }

// DeleteCurrent removes the entry the cursor is positioned on, running the
// full delete protocol (index maintenance, count update, metadata
// persistence) through the owning transaction. The cursor is then
// re-seeked to the deleted key, which leaves it on the next entry, or
// invalid if there is none.
func (c *Cursor) DeleteCurrent() error {
	if !c.Valid() {
		return newError("cursor", CodeInvalidArg, "cursor is not positioned on an entry")
	}
	key := copyBytes(c.k)
	if err := c.tree.DeleteWithTxn(c.txn, key); err != nil {
		return err
	}
	c.k, c.v = c.cur.Seek(key)
	return nil
}

// IndexCursor walks an index's backing bucket. Unlike Cursor it does not
// expose the raw bucket key/value; it exposes the decoded index key (via
// IndexKey) and the main key each position corresponds to (via MainKey),
// since the index bucket's own key/value layout is an internal encoding
// detail (see compositeIndexKey) rather than something callers should
// depend on.
type IndexCursor struct {
	idx  *Index
	cur  *bolt.Cursor
	k, v []byte
}

// IndexCursor opens a cursor over the named index's backing bucket, bound
// to txn's lifetime.
func (t *Tree) IndexCursor(txn *Txn, indexName string) (*IndexCursor, error) {
	if err := txn.requireActive("cursor"); err != nil {
		return nil, err
	}
	t.mu.RLock()
	idx, found := t.indexes.get(indexName)
	t.mu.RUnlock()
	if !found {
		return nil, newError("index", CodeNotFound, "index %q does not exist", indexName)
	}
	bucket := txn.tx.Bucket(idx.bucketName)
	if bucket == nil {
		return nil, newError("index", CodeIndexError, "index %q: backing bucket missing", indexName)
	}
	return &IndexCursor{idx: idx, cur: bucket.Cursor()}, nil
}

// Valid reports whether the cursor is positioned on an entry.
func (c *IndexCursor) Valid() bool { return c.k != nil }

// First positions the cursor on the first index entry.
func (c *IndexCursor) First() { c.k, c.v = c.cur.First() }

// Last positions the cursor on the last index entry.
func (c *IndexCursor) Last() { c.k, c.v = c.cur.Last() }

// Next advances to the next index entry.
func (c *IndexCursor) Next() { c.k, c.v = c.cur.Next() }

// Prev moves to the previous index entry.
func (c *IndexCursor) Prev() { c.k, c.v = c.cur.Prev() }

// IndexKey returns the index key the cursor is positioned on.
func (c *IndexCursor) IndexKey() []byte {
	if !c.Valid() {
		return nil
	}
	if c.idx.Unique {
		return c.k
	}
	key, _, ok := splitCompositeIndexKey(c.k)
	if !ok {
		return nil
	}
	return key
}

// MainKey returns the main-tree key the current index position refers to,
// the one operation an index cursor exists to provide: given an ordered or
// range position in the index, find which record it names.
func (c *IndexCursor) MainKey() []byte {
	if !c.Valid() {
		return nil
	}
	if c.idx.Unique {
		return c.v
	}
	_, mainKey, ok := splitCompositeIndexKey(c.k)
	if !ok {
		return nil
	}
	return mainKey
}

// IndexSeek positions the cursor on the exact index key, valid for unique
// indexes where an index key maps to exactly one entry. For non-unique
// indexes prefer IndexSeekRange.
func (c *IndexCursor) IndexSeek(key []byte) {
	if c.idx.Unique {
		c.k, c.v = c.cur.Seek(key)
		if c.k != nil && !bytesEqual(c.k, key) {
			c.k, c.v = nil, nil
		}
		return
	}
	c.IndexSeekRange(key)
	if c.Valid() && !bytesEqual(c.IndexKey(), key) {
		c.k, c.v = nil, nil
	}
}

// IndexSeekRange positions the cursor on the first entry with index key >=
// key, the entry point for a range scan over a (possibly non-unique)
// index.
func (c *IndexCursor) IndexSeekRange(key []byte) {
	if c.idx.Unique {
		c.k, c.v = c.cur.Seek(key)
		return
	}
	c.k, c.v = c.cur.Seek(compositeIndexKey(key, nil))
}

func bytesEqual(a, b []byte) bool {
	return bytesCompare(a, b) == 0
}
