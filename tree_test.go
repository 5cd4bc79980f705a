package ixdb

import "testing"

func TestOpenTreeReservedNames(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.OpenTree("idx:users:by_email", true); CodeOf(err) != CodeInvalidArg {
		t.Fatalf("OpenTree with reserved prefix: expected CodeInvalidArg, got %v", CodeOf(err))
	}
	if _, err := db.OpenTree("$meta", true); CodeOf(err) != CodeInvalidArg {
		t.Fatalf("OpenTree($meta): expected CodeInvalidArg, got %v", CodeOf(err))
	}
}

func TestOpenTreeNotFoundWithoutCreate(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.OpenTree("users", false); CodeOf(err) != CodeNotFound {
		t.Fatalf("OpenTree without create: expected CodeNotFound, got %v", CodeOf(err))
	}
}

func TestOpenTreeReturnsCachedHandle(t *testing.T) {
	db := openTestDB(t)
	a := openTestTree(t, db, "users")
	b, err := db.OpenTree("users", false)
	if err != nil {
		t.Fatalf("second OpenTree: %v", err)
	}
	if a != b {
		t.Fatalf("expected OpenTree to return the same cached handle")
	}
}

func TestDeleteTreeDropsIndexBuckets(t *testing.T) {
	db := openTestDB(t)
	extractor := func(value, userData []byte) ([]byte, bool) { return value, true }
	if err := db.RegisterExtractor(1, FlagUnique, extractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}

	tree := openTestTree(t, db, "users")
	if err := tree.Insert([]byte("u1"), []byte("a@example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}

	if err := db.DeleteTree("users"); err != nil {
		t.Fatalf("DeleteTree: %v", err)
	}

	if _, err := db.OpenTree("users", false); CodeOf(err) != CodeNotFound {
		t.Fatalf("OpenTree after DeleteTree: expected CodeNotFound, got %v", CodeOf(err))
	}
	if err := db.withReadTxnForTest(func(txn *Txn) error {
		if txn.tx.Bucket(indexBucketName("users", "by_email")) != nil {
			t.Fatalf("expected DeleteTree to drop the backing bucket of index %q", "by_email")
		}
		return nil
	}); err != nil {
		t.Fatalf("read txn: %v", err)
	}
}

func TestOpenTreeRehydratesIndexes(t *testing.T) {
	db := openTestDB(t)
	extractor := func(value, userData []byte) ([]byte, bool) { return value, true }
	if err := db.RegisterExtractor(1, FlagUnique, extractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}

	tree := openTestTree(t, db, "users")
	if err := tree.Insert([]byte("u1"), []byte("a@example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	db.CloseTree("users")

	reopened, err := db.OpenTree("users", false)
	if err != nil {
		t.Fatalf("reopen OpenTree: %v", err)
	}
	names := reopened.IndexNames()
	if len(names) != 1 || names[0] != "by_email" {
		t.Fatalf("IndexNames after rehydration: expected [by_email], got %v", names)
	}
}

func TestOpenTreeRehydrationFailsWithoutExtractor(t *testing.T) {
	db := openTestDB(t)
	extractor := func(value, userData []byte) ([]byte, bool) { return value, true }
	if err := db.RegisterExtractor(1, FlagUnique, extractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	db.CloseTree("users")

	// Simulate a process restart where the extractor was never registered:
	// a fresh registry with nothing in it.
	db.registry = NewRegistry()
	if _, err := db.OpenTree("users", false); CodeOf(err) != CodeIndexError {
		t.Fatalf("OpenTree without registered extractor: expected CodeIndexError, got %v", CodeOf(err))
	}
}

func TestSetCompareAndMergeFn(t *testing.T) {
	db := openTestDB(t)
	tree := openTestTree(t, db, "counters")
	tree.SetCompare(func(a, b []byte) int { return bytesCompare(a, b) })
	tree.SetMergeFn(func(old, new, userData []byte) ([]byte, bool) { return new, true }, nil)
	if tree.mergeFn == nil {
		t.Fatalf("expected merge function to be installed")
	}
}
