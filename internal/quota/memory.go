package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps quota records in a map. Updates of the same key are
// serialized by a per-key mutex; different keys proceed in parallel.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
	locks   map[Key]*keyLock
	closed  bool
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]Record),
		locks:   make(map[Key]*keyLock),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) Update(ctx context.Context, key Key, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	kl, err := s.acquire(key)
	if err != nil {
		return err
	}
	defer s.release(key, kl)

	s.mu.Lock()
	rec, ok := s.records[key]
	s.mu.Unlock()

	tx := &memTx{key: key, rec: rec, exists: ok}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records[key] = tx.rec
	return nil
}

func (s *MemoryStore) acquire(key Key) (*keyLock, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()
	return kl, nil
}

func (s *MemoryStore) release(key Key, kl *keyLock) {
	kl.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close marks the store closed. It is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memTx struct {
	key    Key
	rec    Record
	exists bool
	dirty  bool
}

func (t *memTx) Get() (Record, bool, error) {
	return t.rec, t.exists, nil
}

func (t *memTx) UpsertReset(now time.Time) error {
	t.rec = Record{
		UserID:       t.key.UserID,
		Channel:      t.key.Channel,
		RequestCount: 1,
		WindowStart:  now,
	}
	t.exists = true
	t.dirty = true
	return nil
}

func (t *memTx) Increment() error {
	if !t.exists {
		return ErrNoRecord
	}
	t.rec.RequestCount++
	t.dirty = true
	return nil
}
