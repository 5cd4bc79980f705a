package ixdb

import "testing"

func emailExtractor(value, userData []byte) ([]byte, bool) { return value, len(value) > 0 }

func TestPopulateIndexUniqueConflictFails(t *testing.T) {
	db := openTestDB(t)
	if err := db.RegisterExtractor(1, FlagUnique, emailExtractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.Insert([]byte("u1"), []byte("same@example.com")); err != nil {
		t.Fatalf("Insert u1: %v", err)
	}
	if err := tree.Insert([]byte("u2"), []byte("same@example.com")); err != nil {
		t.Fatalf("Insert u2: %v", err)
	}

	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}

	err := tree.PopulateIndex("by_email")
	if CodeOf(err) != CodeIndexError {
		t.Fatalf("PopulateIndex over duplicate values: expected CodeIndexError, got %v", CodeOf(err))
	}
	if len(tree.IndexNames()) != 1 {
		t.Fatalf("expected the index to stay attached after a failed PopulateIndex, got %v", tree.IndexNames())
	}
}

func TestAddIndexSparseSkipsDeclined(t *testing.T) {
	db := openTestDB(t)
	sparseExtractor := func(value, userData []byte) ([]byte, bool) {
		if len(value) == 0 {
			return nil, false
		}
		return value, true
	}
	if err := db.RegisterExtractor(1, FlagUnique|FlagSparse, sparseExtractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.Insert([]byte("u1"), []byte("a@example.com")); err != nil {
		t.Fatalf("Insert u1: %v", err)
	}
	if err := tree.Insert([]byte("u2"), []byte("")); err != nil {
		t.Fatalf("Insert u2: %v", err)
	}
	if err := tree.AddIndex("by_email", 1, FlagUnique|FlagSparse, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	if err := tree.PopulateIndex("by_email"); err != nil {
		t.Fatalf("PopulateIndex: %v", err)
	}

	report, err := tree.VerifyIndexes()
	if err != nil {
		t.Fatalf("VerifyIndexes: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("expected clean report, got %+v", report)
	}
}

func TestNonUniqueIndexMultipleEntries(t *testing.T) {
	db := openTestDB(t)
	countryExtractor := func(value, userData []byte) ([]byte, bool) { return value, true }
	if err := db.RegisterExtractor(1, 0, countryExtractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.Insert([]byte("u1"), []byte("US")); err != nil {
		t.Fatalf("Insert u1: %v", err)
	}
	if err := tree.Insert([]byte("u2"), []byte("US")); err != nil {
		t.Fatalf("Insert u2: %v", err)
	}
	if err := tree.AddIndex("by_country", 1, 0, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	if err := tree.PopulateIndex("by_country"); err != nil {
		t.Fatalf("PopulateIndex: %v", err)
	}

	var mainKeys []string
	err := db.withReadTxnForTest(func(txn *Txn) error {
		ic, err := tree.IndexCursor(txn, "by_country")
		if err != nil {
			return err
		}
		for ic.First(); ic.Valid(); ic.Next() {
			mainKeys = append(mainKeys, string(ic.MainKey()))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("index scan: %v", err)
	}
	if len(mainKeys) != 2 {
		t.Fatalf("expected 2 entries under index key \"US\", got %v", mainKeys)
	}
}

func TestDropIndexRemovesBucket(t *testing.T) {
	db := openTestDB(t)
	if err := db.RegisterExtractor(1, FlagUnique, emailExtractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.Insert([]byte("u1"), []byte("a@example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	if err := tree.DropIndex("by_email"); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	if len(tree.IndexNames()) != 0 {
		t.Fatalf("expected no indexes after DropIndex, got %v", tree.IndexNames())
	}
	if err := tree.DropIndex("by_email"); CodeOf(err) != CodeNotFound {
		t.Fatalf("DropIndex of already-dropped index: expected CodeNotFound, got %v", CodeOf(err))
	}
}

func TestAddIndexDoesNotPopulate(t *testing.T) {
	db := openTestDB(t)
	if err := db.RegisterExtractor(1, FlagUnique, emailExtractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.Insert([]byte("u1"), []byte("same@example.com")); err != nil {
		t.Fatalf("Insert u1: %v", err)
	}
	if err := tree.Insert([]byte("u2"), []byte("same@example.com")); err != nil {
		t.Fatalf("Insert u2: %v", err)
	}

	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex over duplicate values should not scan or fail: %v", err)
	}

	report, err := tree.VerifyIndexes()
	if err != nil {
		t.Fatalf("VerifyIndexes: %v", err)
	}
	if report.Clean() {
		t.Fatalf("expected a freshly attached, unpopulated index to report missing entries")
	}
}

func TestPopulateIndexOfUnknownIndex(t *testing.T) {
	db := openTestDB(t)
	tree := openTestTree(t, db, "users")
	if err := tree.PopulateIndex("by_email"); CodeOf(err) != CodeNotFound {
		t.Fatalf("PopulateIndex of unattached index: expected CodeNotFound, got %v", CodeOf(err))
	}
}

func TestInsertMaintainsUniqueIndex(t *testing.T) {
	db := openTestDB(t)
	if err := db.RegisterExtractor(1, FlagUnique, emailExtractor); err != nil {
		t.Fatalf("RegisterExtractor: %v", err)
	}
	tree := openTestTree(t, db, "users")
	if err := tree.AddIndex("by_email", 1, FlagUnique, nil); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	if err := tree.Insert([]byte("u1"), []byte("a@example.com")); err != nil {
		t.Fatalf("Insert u1: %v", err)
	}
	if err := tree.Insert([]byte("u2"), []byte("a@example.com")); CodeOf(err) != CodeIndexError {
		t.Fatalf("Insert u2 with duplicate email: expected CodeIndexError, got %v", CodeOf(err))
	}
	if tree.Count() != 1 {
		t.Fatalf("expected count 1 after rejected insert, got %d", tree.Count())
	}
}
