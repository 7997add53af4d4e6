package storage

import (
	"context"
	"sync"
)

// Batch stages writes against a Database and commits them with a single
// PutBatch. Reads through the batch see staged values before the database.
// Locks taken with Lock stay held until Close, so staged reads cannot go
// stale before the commit.
type Batch struct {
	db      Database
	entries []Entry
	index   map[string]int
	held    []sync.Locker
}

// NewBatch creates an empty batch over db.
func NewBatch(db Database) *Batch {
	return &Batch{db: db, index: make(map[string]int)}
}

// Get returns the staged value for key or falls back to the database.
func (b *Batch) Get(key []byte) ([]byte, error) {
	if i, ok := b.index[string(key)]; ok {
		return append([]byte(nil), b.entries[i].Value...), nil
	}
	return b.db.Get(key)
}

// Put stages a write. A later Put of the same key replaces the earlier one.
func (b *Batch) Put(key, value []byte) {
	entry := Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
	if i, ok := b.index[string(key)]; ok {
		b.entries[i] = entry
		return
	}
	b.index[string(key)] = len(b.entries)
	b.entries = append(b.entries, entry)
}

// Len reports the number of staged entries.
func (b *Batch) Len() int { return len(b.entries) }

// Lock acquires l for the lifetime of the batch. Locking the same locker twice
// is a no-op.
func (b *Batch) Lock(l sync.Locker) {
	for _, held := range b.held {
		if held == l {
			return
		}
	}
	l.Lock()
	b.held = append(b.held, l)
}

// Commit writes every staged entry or none of them.
func (b *Batch) Commit() error {
	if len(b.entries) == 0 {
		return nil
	}
	return b.db.PutBatch(b.entries)
}

// Close releases the locks taken through Lock in reverse order. Staged entries
// that were not committed are dropped.
func (b *Batch) Close() {
	for i := len(b.held) - 1; i >= 0; i-- {
		b.held[i].Unlock()
	}
	b.held = nil
	b.entries = nil
	b.index = make(map[string]int)
}

type batchKey struct{}

// WithBatch returns a context carrying b.
func WithBatch(ctx context.Context, b *Batch) context.Context {
	return context.WithValue(ctx, batchKey{}, b)
}

// BatchFor returns the batch carried by ctx when it stages writes for db.
// Writers on another database must commit on their own.
func BatchFor(ctx context.Context, db Database) (*Batch, bool) {
	if ctx == nil {
		return nil, false
	}
	b, ok := ctx.Value(batchKey{}).(*Batch)
	if !ok || b == nil || b.db != db {
		return nil, false
	}
	return b, true
}
