package ixdb

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesMetaBucket(t *testing.T) {
	db := openTestDB(t)
	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PageSize == 0 {
		t.Fatalf("Stats: expected non-zero page size")
	}
	if err := db.withReadTxnForTest(func(txn *Txn) error {
		if txn.tx.Bucket(metaBucketName) == nil {
			t.Fatalf("expected Open to create the %q bucket", metaBucketName)
		}
		return nil
	}); err != nil {
		t.Fatalf("read txn: %v", err)
	}
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := Open(""); CodeOf(err) != CodeInvalidArg {
		t.Fatalf("Open(\"\"): expected CodeInvalidArg, got %v", CodeOf(err))
	}
}

func TestCloseIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRegisterExtractorDuplicate(t *testing.T) {
	db := openTestDB(t)
	fn := func(value, userData []byte) ([]byte, bool) { return value, true }
	if err := db.RegisterExtractor(1, FlagUnique, fn); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	if err := db.RegisterExtractor(1, FlagUnique, fn); CodeOf(err) != CodeKeyExists {
		t.Fatalf("duplicate RegisterExtractor: expected CodeKeyExists, got %v", CodeOf(err))
	}
}

func TestResizeTracksCeiling(t *testing.T) {
	db := openTestDB(t)
	if err := db.Resize(1 << 30); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if db.opts.effectiveMapSize() != 1<<30 {
		t.Fatalf("Resize: expected tracked ceiling %d, got %d", int64(1<<30), db.opts.effectiveMapSize())
	}
}

func TestResizeRejectsNonPositive(t *testing.T) {
	db := openTestDB(t)
	if err := db.Resize(0); CodeOf(err) != CodeInvalidArg {
		t.Fatalf("Resize(0): expected CodeInvalidArg, got %v", CodeOf(err))
	}
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ixdb.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tree, err := db.OpenTree("widgets", true)
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}
	if err := tree.Insert([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer db2.Close()
	tree2, err := db2.OpenTree("widgets", false)
	if err != nil {
		t.Fatalf("reopen OpenTree: %v", err)
	}
	v, err := tree2.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("Get after reopen: expected %q, got %q", "v1", v)
	}
	if tree2.Count() != 1 {
		t.Fatalf("Count after reopen: expected 1, got %d", tree2.Count())
	}
}
