package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/perplexo/gateway/internal/database"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type storeFactory struct {
	name string
	new  func(t *testing.T) (Store, func())
}

func TestStoreContract(t *testing.T) {
	factories := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T) (Store, func()) {
				s := NewMemoryStore()
				return s, func() { _ = s.Close() }
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T) (Store, func()) {
				t.Helper()
				db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "quota.db"))
				if err != nil {
					t.Fatalf("OpenSQLite() error = %v", err)
				}
				s, err := NewSQLiteStore(db)
				if err != nil {
					t.Fatalf("NewSQLiteStore() error = %v", err)
				}
				return s, func() {
					_ = s.Close()
					_ = db.Close()
				}
			},
		},
		{
			name: "redis",
			new: func(t *testing.T) (Store, func()) {
				t.Helper()
				return newRedisStoreForTest(t)
			},
		},
	}

	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			store, cleanup := f.new(t)
			defer cleanup()

			contractAbsent(t, store)
			contractResetAndIncrement(t, store)
			contractIncrementWithoutRecord(t, store)
			contractFailedUpdateIsDiscarded(t, store)
			contractKeyIsolation(t, store)
			contractConcurrentIncrements(t, store)
		})
	}
}

func contractAbsent(t *testing.T, s Store) {
	t.Helper()
	_, ok, err := s.Get(context.Background(), Key{UserID: 404, Channel: "telegram"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("unknown key should be absent")
	}
}

func contractResetAndIncrement(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := Key{UserID: 1, Channel: "telegram"}

	err := s.Update(ctx, key, func(tx Tx) error {
		return tx.UpsertReset(epoch)
	})
	if err != nil {
		t.Fatalf("Update(reset) error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Update(ctx, key, func(tx Tx) error { return tx.Increment() }); err != nil {
			t.Fatalf("Update(increment) error = %v", err)
		}
	}

	rec, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", rec, ok, err)
	}
	if rec.RequestCount != 3 {
		t.Errorf("RequestCount = %d, want 3", rec.RequestCount)
	}
	if !rec.WindowStart.Equal(epoch) {
		t.Errorf("WindowStart = %v, want %v", rec.WindowStart, epoch)
	}

	later := epoch.Add(2 * time.Hour)
	if err := s.Update(ctx, key, func(tx Tx) error { return tx.UpsertReset(later) }); err != nil {
		t.Fatalf("Update(reset) error = %v", err)
	}
	rec, _, _ = s.Get(ctx, key)
	if rec.RequestCount != 1 || !rec.WindowStart.Equal(later) {
		t.Errorf("after reset = %+v, want count=1 window_start=%v", rec, later)
	}
}

func contractIncrementWithoutRecord(t *testing.T, s Store) {
	t.Helper()
	err := s.Update(context.Background(), Key{UserID: 2, Channel: "whatsapp"}, func(tx Tx) error {
		return tx.Increment()
	})
	if !errors.Is(err, ErrNoRecord) {
		t.Fatalf("Increment on absent record error = %v, want ErrNoRecord", err)
	}
}

func contractFailedUpdateIsDiscarded(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := Key{UserID: 3, Channel: "telegram"}
	if err := s.Update(ctx, key, func(tx Tx) error { return tx.UpsertReset(epoch) }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	boom := errors.New("boom")
	err := s.Update(ctx, key, func(tx Tx) error {
		if err := tx.Increment(); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	rec, _, _ := s.Get(ctx, key)
	if rec.RequestCount != 1 {
		t.Errorf("RequestCount = %d after failed update, want 1", rec.RequestCount)
	}
}

func contractKeyIsolation(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	a := Key{UserID: 10, Channel: "telegram"}
	b := Key{UserID: 10, Channel: "whatsapp"}

	if err := s.Update(ctx, a, func(tx Tx) error { return tx.UpsertReset(epoch) }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, b); ok {
		t.Fatal("channel should be part of the key")
	}
}

func contractConcurrentIncrements(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := Key{UserID: 20, Channel: "telegram"}
	if err := s.Update(ctx, key, func(tx Tx) error { return tx.UpsertReset(epoch) }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(ctx, key, func(tx Tx) error { return tx.Increment() })
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Update() error = %v", err)
		}
	}

	rec, _, _ := s.Get(ctx, key)
	if rec.RequestCount != n+1 {
		t.Errorf("RequestCount = %d, want %d", rec.RequestCount, n+1)
	}
}
