package ixdb

import "testing"

func TestVerifyIndexesCleanAfterNormalUse(t *testing.T) {
	db := openTestDB(t)
	if err := db.RegisterExtractor(1, FlagUnique, emailExtractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	if err := tree.Insert([]byte("u1"), []byte("a@example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Update([]byte("u1"), []byte("b@example.com")); err != nil {
		t.Fatalf("Update: %v", err)
	}

	report, err := tree.VerifyIndexes()
	if err != nil {
		t.Fatalf("VerifyIndexes: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("expected clean report, got %+v", report)
	}
}

func TestVerifyIndexesDetectsOrphan(t *testing.T) {
	db := openTestDB(t)
	if err := db.RegisterExtractor(1, FlagUnique, emailExtractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	if err := tree.Insert([]byte("u1"), []byte("a@example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	idx, found := tree.indexes.get("by_email")
	if !found {
		t.Fatalf("expected index to be attached")
	}

	txn, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	bucket := txn.tx.Bucket(idx.bucketName)
	if bucket == nil {
		t.Fatalf("expected index bucket to exist")
	}
	if err := bucket.Put([]byte("ghost@example.com"), []byte("u-ghost")); err != nil {
		t.Fatalf("inject orphan entry: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	report, err := tree.VerifyIndexes()
	if err != nil {
		t.Fatalf("VerifyIndexes: %v", err)
	}
	if len(report.Orphaned) != 1 {
		t.Fatalf("expected 1 orphaned entry, got %+v", report.Orphaned)
	}
}
