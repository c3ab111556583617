package db

import (
	"container/heap"
	"strings"

	"github.com/triekv/triekv/lib/trie"
)

// --------------------------------------------------------------------------
// Expiration Index
//
// A priority queue over expiration records combined with a map for direct
// key-based access. Records are ordered by deadline so the sweeper only
// ever inspects the head. Not thread-safe; callers hold the store lock.
// --------------------------------------------------------------------------

// expRecord ties a TTL'd entry to its owning database and full key. The
// key copy is required because evicting the entry means traversing the
// owning trie again.
type expRecord struct {
	key      string
	db       *Database
	entry    *trie.Entry
	deadline int64
	index    int // position in the heap, maintained by the heap package
}

// expireIndex implements heap.Interface plus key-based access.
type expireIndex struct {
	items []*expRecord
	byKey map[string]*expRecord
}

func newExpireIndex() *expireIndex {
	return &expireIndex{
		byKey: make(map[string]*expRecord),
	}
}

// recordKey builds the composite lookup key for a database/key pair. The
// NUL separator cannot occur in database names.
func recordKey(db *Database, key string) string {
	return db.Name + "\x00" + key
}

func (x *expireIndex) Len() int { return len(x.items) }

func (x *expireIndex) Less(i, j int) bool {
	return x.items[i].deadline < x.items[j].deadline
}

func (x *expireIndex) Swap(i, j int) {
	x.items[i], x.items[j] = x.items[j], x.items[i]
	x.items[i].index = i
	x.items[j].index = j
}

func (x *expireIndex) Push(v interface{}) {
	rec := v.(*expRecord)
	rec.index = len(x.items)
	x.items = append(x.items, rec)
	x.byKey[recordKey(rec.db, rec.key)] = rec
}

func (x *expireIndex) Pop() interface{} {
	old := x.items
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	x.items = old[:n-1]
	delete(x.byKey, recordKey(rec.db, rec.key))
	return rec
}

// schedule registers or refreshes the expiration record for an entry.
func (x *expireIndex) schedule(db *Database, key string, e *trie.Entry, deadline int64) {
	if rec, ok := x.byKey[recordKey(db, key)]; ok {
		rec.entry = e
		rec.deadline = deadline
		heap.Fix(x, rec.index)
		return
	}
	heap.Push(x, &expRecord{
		key:      key,
		db:       db,
		entry:    e,
		deadline: deadline,
	})
}

// cancel drops the expiration record for a key, if any.
func (x *expireIndex) cancel(db *Database, key string) {
	if rec, ok := x.byKey[recordKey(db, key)]; ok {
		heap.Remove(x, rec.index)
	}
}

// peek returns the record with the earliest deadline without removing it.
func (x *expireIndex) peek() (*expRecord, bool) {
	if len(x.items) == 0 {
		return nil, false
	}
	return x.items[0], true
}

// popDue removes and returns the head record if its deadline is at or
// before now.
func (x *expireIndex) popDue(now int64) (*expRecord, bool) {
	rec, ok := x.peek()
	if !ok || rec.deadline > now {
		return nil, false
	}
	return heap.Pop(x).(*expRecord), true
}

// dropDB removes every record owned by the given database.
func (x *expireIndex) dropDB(db *Database) {
	prefix := db.Name + "\x00"
	for k, rec := range x.byKey {
		if strings.HasPrefix(k, prefix) {
			heap.Remove(x, rec.index)
		}
	}
}
