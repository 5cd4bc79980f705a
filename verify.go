package ixdb

// OrphanEntry is a backing-index entry whose main-tree record no longer
// extracts to it (the record was deleted, updated away from this key, or
// the extractor itself changed behavior since the entry was written).
type OrphanEntry struct {
	Index    string
	IndexKey []byte
	MainKey  []byte
}

// MissingEntry is a main-tree record that should have an index entry, per
// its extractor, but does not.
type MissingEntry struct {
	Index   string
	MainKey []byte
}

// UniqueViolation is an index key a unique index's invariant says should
// name at most one record, but which more than one main-tree record
// currently extracts to.
type UniqueViolation struct {
	Index    string
	IndexKey []byte
	MainKeys [][]byte
}

// Report is the outcome of VerifyIndexes: every inconsistency found
// between a tree's main collection and its attached indexes. A Report with
// every field empty means the indexes are exactly consistent with the
// data.
type Report struct {
	Tree             string
	Orphaned         []OrphanEntry
	Missing          []MissingEntry
	UniqueViolations []UniqueViolation
}

// Clean reports whether the verification found no inconsistencies.
func (r Report) Clean() bool {
	return len(r.Orphaned) == 0 && len(r.Missing) == 0 && len(r.UniqueViolations) == 0
}

// VerifyIndexes performs a read-only full scan of the tree and every
// attached index, recomputing each index entry an extractor should
// produce for the current data and diffing it against what is physically
// stored. It never mutates anything; repairing a broken index is a
// DropIndex followed by AddIndex and PopulateIndex, which repopulates it
// from scratch.
func (t *Tree) VerifyIndexes() (Report, error) {
	report := Report{Tree: t.name}

	t.mu.RLock()
	indexes := make([]*Index, len(t.indexes.list))
	copy(indexes, t.indexes.list)
	t.mu.RUnlock()

	err := t.withReadTxn(func(txn *Txn) error {
		main, err := t.mainBucket(txn.tx)
		if err != nil {
			return err
		}

		for _, idx := range indexes {
			// expected[string(indexKey)] is the set of main keys that
			// currently extract to that index key.
			expected := make(map[string][][]byte)
			cur := main.Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				key, ok := idx.extractor(v, idx.UserData)
				if !ok {
					continue
				}
				sk := string(key)
				expected[sk] = append(expected[sk], copyBytes(k))
			}

			for sk, mainKeys := range expected {
				if idx.Unique && len(mainKeys) > 1 {
					report.UniqueViolations = append(report.UniqueViolations, UniqueViolation{
						Index: idx.Name, IndexKey: []byte(sk), MainKeys: mainKeys,
					})
				}
			}

			bucket := txn.tx.Bucket(idx.bucketName)
			if bucket == nil {
				return newError("index", CodeIndexError, "index %q: backing bucket missing", idx.Name)
			}

			seen := make(map[string]map[string]bool) // indexKey -> set of mainKeys physically present
			ic := bucket.Cursor()
			if idx.Unique {
				for k, v := ic.First(); k != nil; k, v = ic.Next() {
					sk, mk := string(k), string(v)
					if seen[sk] == nil {
						seen[sk] = make(map[string]bool)
					}
					seen[sk][mk] = true
					if !containsKey(expected[sk], v) {
						report.Orphaned = append(report.Orphaned, OrphanEntry{
							Index: idx.Name, IndexKey: copyBytes(k), MainKey: copyBytes(v),
						})
					}
				}
			} else {
				for k, _ := ic.First(); k != nil; k, _ = ic.Next() {
					indexKey, mainKey, ok := splitCompositeIndexKey(k)
					if !ok {
						continue
					}
					sk, mk := string(indexKey), string(mainKey)
					if seen[sk] == nil {
						seen[sk] = make(map[string]bool)
					}
					seen[sk][mk] = true
					if !containsKey(expected[sk], mainKey) {
						report.Orphaned = append(report.Orphaned, OrphanEntry{
							Index: idx.Name, IndexKey: copyBytes(indexKey), MainKey: copyBytes(mainKey),
						})
					}
				}
			}

			for sk, mainKeys := range expected {
				for _, mk := range mainKeys {
					if !seen[sk][string(mk)] {
						report.Missing = append(report.Missing, MissingEntry{Index: idx.Name, MainKey: mk})
					}
				}
			}
		}
		return nil
	})
	return report, err
}

func containsKey(keys [][]byte, target []byte) bool {
	for _, k := range keys {
		if bytesEqual(k, target) {
			return true
		}
	}
	return false
}
