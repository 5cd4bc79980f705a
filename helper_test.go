package ixdb

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ixdb.db")
	db, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestTree(t *testing.T, db *DB, name string) *Tree {
	t.Helper()
	tree, err := db.OpenTree(name, true)
	if err != nil {
		t.Fatalf("OpenTree(%q): %v", name, err)
	}
	return tree
}

// withReadTxnForTest runs fn inside a read transaction that is always
// aborted afterwards. It is defined in a _test.go file so the exported
// surface for normal callers does not widen.
func (db *DB) withReadTxnForTest(fn func(txn *Txn) error) error {
	txn, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}
