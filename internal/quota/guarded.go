package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// CounterStore is plain read/write access to a counter with no atomic
// check-and-increment. It is only ever used through Guarded.
type CounterStore interface {
	Get(ctx context.Context, userID, periodKey string) (int64, error)
	Put(ctx context.Context, userID, periodKey string, count int64) error
}

// Guarded turns a CounterStore into a Store by holding a per-key lock
// around the read, the limit check and the write. The lock covers only
// that section. It serializes callers within this process, so a guarded
// backend must not be shared between instances.
type Guarded struct {
	counters CounterStore
	locks    *KeyedMutex
}

func NewGuarded(counters CounterStore) *Guarded {
	return &Guarded{counters: counters, locks: NewKeyedMutex()}
}

func (g *Guarded) CheckAndIncrement(ctx context.Context, userID, periodKey string, limit int64) (Result, error) {
	release, err := g.locks.Acquire(ctx, userID+"|"+periodKey)
	if err != nil {
		return Result{}, err
	}
	defer release()

	count, err := g.counters.Get(ctx, userID, periodKey)
	if err != nil {
		return Result{}, unavailable("read counter", err)
	}
	if limit > 0 && count >= limit {
		return result(false, count, limit), nil
	}
	count++
	if err := g.counters.Put(ctx, userID, periodKey, count); err != nil {
		return Result{}, unavailable("write counter", err)
	}
	return result(true, count, limit), nil
}

// KeyedMutex is a set of mutexes addressed by string key. Entries are
// dropped once nobody holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// Acquire blocks until key is free or ctx ends. The returned release func
// is safe to call more than once.
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.unref(key, e)
		})
	}, nil
}

func (k *KeyedMutex) unref(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// ── counter backends ───────────────────────────────────────────────────────

// MemoryCounter keeps counters in a map. The map itself is thread-safe; the
// check-and-increment is not, which is what Guarded is for.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (m *MemoryCounter) Get(_ context.Context, userID, periodKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[userID+"|"+periodKey], nil
}

func (m *MemoryCounter) Put(_ context.Context, userID, periodKey string, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[userID+"|"+periodKey] = count
	return nil
}

// SQLiteCounter stores counters in a SQLite table.
type SQLiteCounter struct {
	db *sql.DB
}

// NewSQLiteCounter creates a SQLiteCounter and initialises its schema.
func NewSQLiteCounter(db *sql.DB) (*SQLiteCounter, error) {
	const ddl = `
CREATE TABLE IF NOT EXISTS search_quota (
    user_id    TEXT    NOT NULL,
    period_key TEXT    NOT NULL,
    count      INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT    NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (user_id, period_key)
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("quota: migrate: %w", err)
	}
	return &SQLiteCounter{db: db}, nil
}

func (s *SQLiteCounter) Get(ctx context.Context, userID, periodKey string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM search_quota WHERE user_id = ? AND period_key = ?`,
		userID, periodKey,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (s *SQLiteCounter) Put(ctx context.Context, userID, periodKey string, count int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_quota (user_id, period_key, count) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, period_key) DO UPDATE
		 SET count = excluded.count, updated_at = datetime('now')`,
		userID, periodKey, count,
	)
	return err
}
