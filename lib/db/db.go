// Package db provides the database registry and the store, the single
// synchronization point for every trie mutation and for the expiration
// index.
//
// A Database is a named trie. The Store owns the registry of databases,
// the store lock and the expiration index; every operation that touches a
// trie or the index goes through a Store method and runs under the lock.
// Entry values are never mutated in place: values are replaced wholesale,
// so a value slice handed out by a read stays valid after the lock is
// released.
package db

import (
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/triekv/triekv/lib/trie"
)

// DefaultDBName is the database every new session is pinned to.
const DefaultDBName = "db0"

// --------------------------------------------------------------------------
// Database Type
// --------------------------------------------------------------------------

// Database is a named trie store.
type Database struct {
	Name string
	trie *trie.Trie
}

// Size returns the number of keys in the database. Callers that need a
// consistent value hold the store lock via a Store method.
func (d *Database) Size() int {
	return d.trie.Size()
}

// --------------------------------------------------------------------------
// Store Type
// --------------------------------------------------------------------------

// KV is one key/entry pair produced by a prefix scan.
type KV struct {
	Key   string
	Value []byte
	TTL   int32
}

// Store owns the database registry, the store lock and the expiration
// index.
type Store struct {
	mu  sync.Mutex
	dbs *xsync.MapOf[string, *Database]
	exp *expireIndex

	// Now returns the current time in seconds since epoch. Overridable
	// before first use for deterministic TTL tests.
	Now func() int64
}

// NewStore creates a store with an empty registry. The default database
// is created on first Use.
func NewStore() *Store {
	return &Store{
		dbs: xsync.NewMapOf[string, *Database](),
		exp: newExpireIndex(),
		Now: func() int64 { return time.Now().Unix() },
	}
}

// Use selects the database with the given name, creating it on demand.
func (s *Store) Use(name string) *Database {
	db, _ := s.dbs.LoadOrCompute(name, func() *Database {
		return &Database{Name: name, trie: trie.New()}
	})
	return db
}

// Default returns the default database.
func (s *Store) Default() *Database {
	return s.Use(DefaultDBName)
}

// TotalKeys returns the number of keys across all databases.
func (s *Store) TotalKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	s.dbs.Range(func(_ string, db *Database) bool {
		total += db.trie.Size()
		return true
	})
	return total
}

// DBCount returns the number of databases in the registry.
func (s *Store) DBCount() int {
	return s.dbs.Size()
}

// --------------------------------------------------------------------------
// Point Operations
// --------------------------------------------------------------------------

// Insert stores value at key, replacing any previous entry. A ttl >= 0
// registers (or refreshes) the expiration record; a negative ttl clears
// any existing one.
func (s *Store) Insert(db *Database, key string, value []byte, ttl int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := db.trie.Upsert([]byte(key))
	now := s.Now()
	e.Data = append([]byte(nil), value...)
	e.TTL = ttl
	e.CTime = now
	e.LATime = now

	if e.HasTTL() {
		s.exp.schedule(db, key, e, e.Deadline())
	} else {
		s.exp.cancel(db, key)
	}
}

// Search returns the value and ttl at key. An entry whose deadline has
// passed is lazily evicted and reported as a miss.
func (s *Store) Search(db *Database, key string) ([]byte, int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := db.trie.Get([]byte(key))
	if e == nil {
		return nil, 0, false
	}
	now := s.Now()
	if e.Expired(now) {
		db.trie.Remove([]byte(key))
		s.exp.cancel(db, key)
		return nil, 0, false
	}
	e.LATime = now
	return e.Data, e.TTL, true
}

// Remove deletes the entry at key. Returns true iff an entry was removed.
func (s *Store) Remove(db *Database, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !db.trie.Remove([]byte(key)) {
		return false
	}
	s.exp.cancel(db, key)
	return true
}

// SetTTL sets or refreshes the TTL on an existing key. Returns false if
// the key is absent (or already expired).
func (s *Store) SetTTL(db *Database, key string, ttl int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := db.trie.Get([]byte(key))
	if e == nil {
		return false
	}
	now := s.Now()
	if e.Expired(now) {
		db.trie.Remove([]byte(key))
		s.exp.cancel(db, key)
		return false
	}

	e.TTL = ttl
	e.CTime = now
	e.LATime = now
	if e.HasTTL() {
		s.exp.schedule(db, key, e, e.Deadline())
	} else {
		s.exp.cancel(db, key)
	}
	return true
}

// IncBy adjusts the decimal integer stored at key by delta. Returns false
// if the key is absent or its value does not parse as a decimal integer.
func (s *Store) IncBy(db *Database, key string, delta int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := db.trie.Get([]byte(key))
	if e == nil {
		return false
	}
	now := s.Now()
	if e.Expired(now) {
		db.trie.Remove([]byte(key))
		s.exp.cancel(db, key)
		return false
	}

	v, err := strconv.ParseInt(string(e.Data), 10, 64)
	if err != nil {
		return false
	}
	e.Data = strconv.AppendInt(nil, v+delta, 10)
	e.LATime = now
	return true
}

// Flush discards every entry of the database.
func (s *Store) Flush(db *Database) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exp.dropDB(db)
	db.trie.Flush()
}

// --------------------------------------------------------------------------
// Prefix Operations
// --------------------------------------------------------------------------

// PrefixSearch returns every key/value pair under prefix in deterministic
// ascending order. Expired entries discovered during the scan are evicted
// and omitted.
func (s *Store) PrefixSearch(db *Database, prefix string) []KV {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var result []KV
	var expired []string
	db.trie.Walk([]byte(prefix), func(key []byte, e *trie.Entry) {
		if e.Expired(now) {
			expired = append(expired, string(key))
			return
		}
		e.LATime = now
		result = append(result, KV{Key: string(key), Value: e.Data, TTL: e.TTL})
	})
	s.evict(db, expired)
	return result
}

// PrefixCount counts the live entries under prefix. Expired entries
// discovered during the scan are evicted and not counted.
func (s *Store) PrefixCount(db *Database, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	count := 0
	var expired []string
	db.trie.Walk([]byte(prefix), func(key []byte, e *trie.Entry) {
		if e.Expired(now) {
			expired = append(expired, string(key))
			return
		}
		count++
	})
	s.evict(db, expired)
	return count
}

// PrefixRemove removes every entry under prefix and collapses the emptied
// chains. Returns the number of entries removed.
func (s *Store) PrefixRemove(db *Database, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	db.trie.Walk([]byte(prefix), func(key []byte, e *trie.Entry) {
		if e.HasTTL() {
			s.exp.cancel(db, string(key))
		}
	})
	return db.trie.RemovePrefix([]byte(prefix))
}

// PrefixSet replaces the value and ttl of every entry under prefix, as
// Insert does for a single key. Returns the number of entries updated.
func (s *Store) PrefixSet(db *Database, prefix string, value []byte, ttl int32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	count := 0
	db.trie.Walk([]byte(prefix), func(key []byte, e *trie.Entry) {
		e.Data = append([]byte(nil), value...)
		e.TTL = ttl
		e.CTime = now
		e.LATime = now
		if e.HasTTL() {
			s.exp.schedule(db, string(key), e, e.Deadline())
		} else {
			s.exp.cancel(db, string(key))
		}
		count++
	})
	return count
}

// PrefixIncBy adjusts every decimal-integer entry under prefix by delta.
// Non-numeric entries are skipped, not errors. Returns the number of
// entries mutated.
func (s *Store) PrefixIncBy(db *Database, prefix string, delta int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	count := 0
	var expired []string
	db.trie.Walk([]byte(prefix), func(key []byte, e *trie.Entry) {
		if e.Expired(now) {
			expired = append(expired, string(key))
			return
		}
		v, err := strconv.ParseInt(string(e.Data), 10, 64)
		if err != nil {
			return
		}
		e.Data = strconv.AppendInt(nil, v+delta, 10)
		e.LATime = now
		count++
	})
	s.evict(db, expired)
	return count
}

// evict removes lazily-discovered expired keys. Caller holds the lock.
func (s *Store) evict(db *Database, keys []string) {
	for _, key := range keys {
		db.trie.Remove([]byte(key))
		s.exp.cancel(db, key)
	}
}

// --------------------------------------------------------------------------
// Expiration Sweep
// --------------------------------------------------------------------------

// Sweep evicts every entry whose deadline is at or before now. It stops
// at the first record with a future deadline. Returns the number of
// entries evicted.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	evicted := 0
	for {
		rec, ok := s.exp.popDue(now)
		if !ok {
			break
		}
		if rec.db.trie.Remove([]byte(rec.key)) {
			evicted++
		}
	}
	return evicted
}

// NextDeadline returns the earliest pending expiration deadline, if any.
func (s *Store) NextDeadline() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.exp.peek()
	if !ok {
		return 0, false
	}
	return rec.deadline, true
}
