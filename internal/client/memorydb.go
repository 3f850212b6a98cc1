package client

import (
	"context"
	"slices"
	"sync"
)

// MemoryDB is an in-process RealtimeDB. Values are copied on the way in and
// out; subscribers never see a write older than one already delivered.
type MemoryDB struct {
	mu     sync.Mutex
	values map[string]memEntry
	subs   map[string][]*memSub
}

type memEntry struct {
	value []byte
	rev   uint64
}

type memSub struct {
	mu      sync.Mutex
	fn      func([]byte)
	lastRev uint64
	gone    bool
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{values: map[string]memEntry{}, subs: map[string][]*memSub{}}
}

func (db *MemoryDB) Get(_ context.Context, key string) ([]byte, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.values[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(e.value), true, nil
}

func (db *MemoryDB) Set(_ context.Context, key string, value []byte) error {
	db.mu.Lock()
	rev, subs := db.store(key, value)
	db.mu.Unlock()
	notify(subs, rev, value)
	return nil
}

func (db *MemoryDB) Transaction(_ context.Context, key string, fn func([]byte, bool) ([]byte, error)) ([]byte, error) {
	db.mu.Lock()
	e, ok := db.values[key]
	next, err := fn(slices.Clone(e.value), ok)
	if err != nil {
		db.mu.Unlock()
		return nil, err
	}
	rev, subs := db.store(key, next)
	db.mu.Unlock()
	notify(subs, rev, next)
	return slices.Clone(next), nil
}

// store writes under db.mu and returns who to notify.
func (db *MemoryDB) store(key string, value []byte) (uint64, []*memSub) {
	rev := db.values[key].rev + 1
	db.values[key] = memEntry{value: slices.Clone(value), rev: rev}
	return rev, slices.Clone(db.subs[key])
}

func notify(subs []*memSub, rev uint64, value []byte) {
	for _, s := range subs {
		s.deliver(rev, slices.Clone(value))
	}
}

func (s *memSub) deliver(rev uint64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone || rev <= s.lastRev {
		return
	}
	s.lastRev = rev
	s.fn(value)
}

func (db *MemoryDB) Subscribe(key string, fn func([]byte)) func() {
	db.mu.Lock()
	s := &memSub{fn: fn, lastRev: db.values[key].rev}
	db.subs[key] = append(db.subs[key], s)
	db.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.gone = true
		s.mu.Unlock()
		db.mu.Lock()
		defer db.mu.Unlock()
		db.subs[key] = slices.DeleteFunc(db.subs[key], func(x *memSub) bool { return x == s })
	}
}
