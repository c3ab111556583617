package db

import (
	"bytes"
	"testing"

	"github.com/triekv/triekv/lib/trie"
)

// testStore returns a store with a controllable clock.
func testStore() (*Store, *int64) {
	now := int64(1000)
	s := NewStore()
	s.Now = func() int64 { return now }
	return s, &now
}

func TestInsertSearch(t *testing.T) {
	s, _ := testStore()
	db := s.Default()

	s.Insert(db, "foo", []byte("bar"), trie.NoTTL)

	value, ttl, ok := s.Search(db, "foo")
	if !ok {
		t.Fatal("expected hit after insert")
	}
	if !bytes.Equal(value, []byte("bar")) {
		t.Errorf("expected bar, got %s", value)
	}
	if ttl != trie.NoTTL {
		t.Errorf("expected ttl %d, got %d", trie.NoTTL, ttl)
	}

	if _, _, ok := s.Search(db, "missing"); ok {
		t.Error("expected miss for missing key")
	}

	s.Remove(db, "foo")
	if _, _, ok := s.Search(db, "foo"); ok {
		t.Error("expected miss after remove")
	}
}

func TestTTLExpiry(t *testing.T) {
	s, now := testStore()
	db := s.Default()

	s.Insert(db, "tmp", []byte("x"), 1)
	if _, _, ok := s.Search(db, "tmp"); !ok {
		t.Fatal("expected hit before expiry")
	}

	*now += 2
	if _, _, ok := s.Search(db, "tmp"); ok {
		t.Error("expected miss after ttl elapsed")
	}
	if db.Size() != 0 {
		t.Errorf("expected size 0 after lazy eviction, got %d", db.Size())
	}
	// The expiration record must be gone too
	if _, ok := s.NextDeadline(); ok {
		t.Error("expected empty expiration index after lazy eviction")
	}
}

func TestSweep(t *testing.T) {
	s, now := testStore()
	db := s.Default()

	s.Insert(db, "a", []byte("1"), 1)
	s.Insert(db, "b", []byte("2"), 5)
	s.Insert(db, "c", []byte("3"), trie.NoTTL)

	if n := s.Sweep(); n != 0 {
		t.Errorf("expected nothing swept, got %d", n)
	}

	*now += 2
	if n := s.Sweep(); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if _, _, ok := s.Search(db, "b"); !ok {
		t.Error("expected b to survive the sweep")
	}
	if _, _, ok := s.Search(db, "c"); !ok {
		t.Error("expected c to survive the sweep")
	}

	*now += 10
	if n := s.Sweep(); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if db.Size() != 1 {
		t.Errorf("expected only the ttl-less key left, got %d", db.Size())
	}
}

func TestTTLRefreshKeepsOneRecord(t *testing.T) {
	s, now := testStore()
	db := s.Default()

	s.Insert(db, "k", []byte("v"), 1)
	s.Insert(db, "k", []byte("v"), 100) // refresh, not duplicate

	*now += 2
	if n := s.Sweep(); n != 0 {
		t.Errorf("expected no eviction after ttl refresh, got %d swept", n)
	}
	if _, _, ok := s.Search(db, "k"); !ok {
		t.Error("expected hit after refresh")
	}

	// Clearing the ttl drops the record
	if !s.SetTTL(db, "k", trie.NoTTL) {
		t.Fatal("expected SetTTL to succeed")
	}
	if _, ok := s.NextDeadline(); ok {
		t.Error("expected empty expiration index after clearing ttl")
	}
}

func TestSetTTL(t *testing.T) {
	s, now := testStore()
	db := s.Default()

	if s.SetTTL(db, "missing", 10) {
		t.Error("expected SetTTL on missing key to fail")
	}

	s.Insert(db, "k", []byte("v"), trie.NoTTL)
	if !s.SetTTL(db, "k", 1) {
		t.Fatal("expected SetTTL to succeed")
	}
	*now += 2
	if _, _, ok := s.Search(db, "k"); ok {
		t.Error("expected miss after assigned ttl elapsed")
	}
}

func TestIncDec(t *testing.T) {
	s, _ := testStore()
	db := s.Default()

	if s.IncBy(db, "n", 1) {
		t.Error("expected inc of missing key to fail")
	}

	s.Insert(db, "n", []byte("9"), trie.NoTTL)
	if !s.IncBy(db, "n", 1) {
		t.Fatal("expected inc to succeed")
	}
	if value, _, _ := s.Search(db, "n"); !bytes.Equal(value, []byte("10")) {
		t.Errorf("expected 10, got %s", value)
	}

	if !s.IncBy(db, "n", -1) {
		t.Fatal("expected dec to succeed")
	}
	if value, _, _ := s.Search(db, "n"); !bytes.Equal(value, []byte("9")) {
		t.Errorf("expected 9, got %s", value)
	}

	s.Insert(db, "n", []byte("abc"), trie.NoTTL)
	if s.IncBy(db, "n", 1) {
		t.Error("expected inc of non-numeric value to fail")
	}
	if value, _, _ := s.Search(db, "n"); !bytes.Equal(value, []byte("abc")) {
		t.Errorf("expected value unchanged, got %s", value)
	}

	// Negative values work
	s.Insert(db, "neg", []byte("-3"), trie.NoTTL)
	s.IncBy(db, "neg", 1)
	if value, _, _ := s.Search(db, "neg"); !bytes.Equal(value, []byte("-2")) {
		t.Errorf("expected -2, got %s", value)
	}
}

func TestPrefixSearch(t *testing.T) {
	s, now := testStore()
	db := s.Default()

	s.Insert(db, "alpha", []byte("1"), trie.NoTTL)
	s.Insert(db, "alphax", []byte("2"), trie.NoTTL)
	s.Insert(db, "beta", []byte("3"), trie.NoTTL)
	s.Insert(db, "alphatmp", []byte("4"), 1)

	*now += 2

	kvs := s.PrefixSearch(db, "alpha")
	if len(kvs) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(kvs))
	}
	if kvs[0].Key != "alpha" || kvs[1].Key != "alphax" {
		t.Errorf("expected ascending order [alpha alphax], got [%s %s]", kvs[0].Key, kvs[1].Key)
	}
	// The expired entry was evicted by the scan
	if db.Size() != 3 {
		t.Errorf("expected size 3 after lazy eviction, got %d", db.Size())
	}
}

func TestPrefixRemove(t *testing.T) {
	s, _ := testStore()
	db := s.Default()

	s.Insert(db, "alpha", []byte("1"), 100)
	s.Insert(db, "alphax", []byte("2"), trie.NoTTL)
	s.Insert(db, "beta", []byte("3"), trie.NoTTL)

	if n := s.PrefixRemove(db, "alpha"); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if db.Size() != 1 {
		t.Errorf("expected size 1, got %d", db.Size())
	}
	// TTL'd entries under the prefix lose their expiration records
	if _, ok := s.NextDeadline(); ok {
		t.Error("expected empty expiration index after prefix remove")
	}
}

func TestPrefixSet(t *testing.T) {
	s, _ := testStore()
	db := s.Default()

	s.Insert(db, "alpha", []byte("1"), trie.NoTTL)
	s.Insert(db, "alphax", []byte("2"), trie.NoTTL)
	s.Insert(db, "beta", []byte("3"), trie.NoTTL)

	if n := s.PrefixSet(db, "alpha", []byte("X"), 100); n != 2 {
		t.Errorf("expected 2 updated, got %d", n)
	}

	for _, key := range []string{"alpha", "alphax"} {
		value, ttl, ok := s.Search(db, key)
		if !ok || !bytes.Equal(value, []byte("X")) || ttl != 100 {
			t.Errorf("expected %s => (X, 100), got (%s, %d, %t)", key, value, ttl, ok)
		}
	}
	if value, _, _ := s.Search(db, "beta"); !bytes.Equal(value, []byte("3")) {
		t.Errorf("expected beta untouched, got %s", value)
	}
}

func TestPrefixIncSkipsNonNumeric(t *testing.T) {
	s, _ := testStore()
	db := s.Default()

	s.Insert(db, "num1", []byte("1"), trie.NoTTL)
	s.Insert(db, "num2", []byte("41"), trie.NoTTL)
	s.Insert(db, "numx", []byte("abc"), trie.NoTTL)

	if n := s.PrefixIncBy(db, "num", 1); n != 2 {
		t.Errorf("expected 2 mutated, got %d", n)
	}
	if value, _, _ := s.Search(db, "num2"); !bytes.Equal(value, []byte("42")) {
		t.Errorf("expected 42, got %s", value)
	}
	if value, _, _ := s.Search(db, "numx"); !bytes.Equal(value, []byte("abc")) {
		t.Errorf("expected abc untouched, got %s", value)
	}
}

func TestPrefixCount(t *testing.T) {
	s, _ := testStore()
	db := s.Default()

	s.Insert(db, "alpha", []byte("1"), trie.NoTTL)
	s.Insert(db, "alphax", []byte("2"), trie.NoTTL)
	s.Insert(db, "beta", []byte("3"), trie.NoTTL)

	if n := s.PrefixCount(db, "alpha"); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	if n := s.PrefixCount(db, ""); n != 3 {
		t.Errorf("expected 3 for whole database, got %d", n)
	}
}

func TestUseIsolation(t *testing.T) {
	s, _ := testStore()

	db0 := s.Default()
	scratch := s.Use("scratch")

	s.Insert(scratch, "x", []byte("1"), trie.NoTTL)
	if _, _, ok := s.Search(db0, "x"); ok {
		t.Error("expected db0 not to see scratch keys")
	}
	if _, _, ok := s.Search(scratch, "x"); !ok {
		t.Error("expected hit in scratch")
	}

	// Use returns the same database for the same name
	if s.Use("scratch") != scratch {
		t.Error("expected Use to return the existing database")
	}
	if s.DBCount() != 2 {
		t.Errorf("expected 2 databases, got %d", s.DBCount())
	}
	if s.TotalKeys() != 1 {
		t.Errorf("expected 1 key in total, got %d", s.TotalKeys())
	}
}

func TestFlushClearsExpiration(t *testing.T) {
	s, _ := testStore()
	db := s.Default()
	other := s.Use("other")

	s.Insert(db, "a", []byte("1"), 100)
	s.Insert(other, "b", []byte("2"), 100)

	s.Flush(db)
	if db.Size() != 0 {
		t.Errorf("expected size 0 after flush, got %d", db.Size())
	}
	// Only the flushed database's records are dropped
	if _, ok := s.NextDeadline(); !ok {
		t.Error("expected the other database's record to survive")
	}
	if _, _, ok := s.Search(other, "b"); !ok {
		t.Error("expected other database untouched by flush")
	}
}
