package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/quota"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
	user1 = quota.Key{UserID: 1, Channel: "telegram"}
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*FixedWindow, *clock.VirtualClock, *quota.MemoryStore) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	store := quota.NewMemoryStore()
	fw, err := NewFixedWindow(store, limit, window, vc)
	if err != nil {
		t.Fatalf("NewFixedWindow() error = %v", err)
	}
	return fw, vc, store
}

func mustAllow(t *testing.T, fw *FixedWindow, key quota.Key) Decision {
	t.Helper()
	d, err := fw.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	return d
}

func TestNewFixedWindow_Validate(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	store := quota.NewMemoryStore()

	if _, err := NewFixedWindow(nil, 1, time.Second, vc); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewFixedWindow(store, 0, time.Second, vc); err == nil {
		t.Fatal("expected error for non-positive limit")
	}
	if _, err := NewFixedWindow(store, 1, 0, vc); err == nil {
		t.Fatal("expected error for non-positive window")
	}
	if _, err := NewFixedWindow(store, 1, time.Second, nil); err != nil {
		t.Fatalf("nil clock should fall back to the wall clock, got %v", err)
	}
}

func TestFixedWindow_FirstRequest(t *testing.T) {
	fw, _, _ := newTestLimiter(t, 5, time.Hour)

	d := mustAllow(t, fw, user1)
	if !d.Allowed {
		t.Error("first request should be allowed")
	}
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}
	if d.Limit != 5 {
		t.Errorf("Limit = %d, want 5", d.Limit)
	}
	if !d.ResetAt.Equal(epoch.Add(time.Hour)) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, epoch.Add(time.Hour))
	}
}

func TestFixedWindow_RemainingDecreasesByOne(t *testing.T) {
	const limit = 20
	fw, vc, _ := newTestLimiter(t, limit, time.Hour)

	for i := 0; i < limit; i++ {
		d := mustAllow(t, fw, user1)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := limit - 1 - i; d.Remaining != want {
			t.Fatalf("request %d: Remaining = %d, want %d", i+1, d.Remaining, want)
		}
		vc.Advance(time.Second)
	}
}

func TestFixedWindow_ResetAtAnchoredToWindowStart(t *testing.T) {
	fw, vc, _ := newTestLimiter(t, 2, time.Hour)
	want := epoch.Add(time.Hour)

	mustAllow(t, fw, user1)

	vc.Advance(10 * time.Second)
	d := mustAllow(t, fw, user1)
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("T+10s = %+v, want allowed with remaining 0", d)
	}
	if !d.ResetAt.Equal(want) {
		t.Errorf("T+10s ResetAt = %v, want %v", d.ResetAt, want)
	}

	vc.Advance(10 * time.Second)
	d = mustAllow(t, fw, user1)
	if d.Allowed {
		t.Fatal("T+20s should be denied")
	}
	if !d.ResetAt.Equal(want) {
		t.Errorf("T+20s ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestFixedWindow_DenialDoesNotMutate(t *testing.T) {
	fw, vc, store := newTestLimiter(t, 3, time.Hour)

	for i := 0; i < 3; i++ {
		mustAllow(t, fw, user1)
	}
	before, _, _ := store.Get(ctx, user1)

	var first Decision
	for i := 0; i < 10; i++ {
		vc.Advance(time.Minute)
		d := mustAllow(t, fw, user1)
		if d.Allowed || d.Remaining != 0 {
			t.Fatalf("denial %d = %+v", i, d)
		}
		if i == 0 {
			first = d
		} else if d != first {
			t.Fatalf("denial %d = %+v, want %+v", i, d, first)
		}
	}

	after, _, _ := store.Get(ctx, user1)
	if after != before {
		t.Errorf("record changed on denial: before %+v, after %+v", before, after)
	}
}

func TestFixedWindow_HardResetAfterWindow(t *testing.T) {
	fw, vc, _ := newTestLimiter(t, 3, time.Hour)

	for i := 0; i < 8; i++ {
		mustAllow(t, fw, user1)
	}

	// Exactly one window later the old window is still active.
	vc.Advance(time.Hour)
	if d := mustAllow(t, fw, user1); d.Allowed {
		t.Fatal("request at window_start+window should still be denied")
	}

	vc.Advance(time.Nanosecond)
	d := mustAllow(t, fw, user1)
	if !d.Allowed {
		t.Fatal("should be allowed after the window expired")
	}
	if d.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", d.Remaining)
	}
	if want := vc.Now().Add(time.Hour); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestFixedWindow_ResetDiscardsUnusedQuota(t *testing.T) {
	fw, vc, _ := newTestLimiter(t, 5, time.Minute)

	mustAllow(t, fw, user1)
	vc.Advance(2 * time.Minute)

	d := mustAllow(t, fw, user1)
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}
}

func TestFixedWindow_SeparateKeys(t *testing.T) {
	fw, _, _ := newTestLimiter(t, 1, time.Minute)

	mustAllow(t, fw, user1)
	if d := mustAllow(t, fw, user1); d.Allowed {
		t.Error("user1 should be denied")
	}

	if d := mustAllow(t, fw, quota.Key{UserID: 2, Channel: "telegram"}); !d.Allowed {
		t.Error("user2 should be allowed (separate counter)")
	}
	if d := mustAllow(t, fw, quota.Key{UserID: 1, Channel: "whatsapp"}); !d.Allowed {
		t.Error("user1 on another channel should be allowed (separate counter)")
	}
}

func TestFixedWindow_ConcurrentAdmissions(t *testing.T) {
	const (
		workers = 64
		limit   = 10
	)
	fw, _, _ := newTestLimiter(t, limit, time.Hour)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		failed  atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := fw.Allow(ctx, user1)
			if err != nil {
				failed.Add(1)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d Allow() calls failed", failed.Load())
	}
	if got := allowed.Load(); got != limit {
		t.Errorf("allowed = %d, want %d", got, limit)
	}
}

type brokenStore struct {
	quota.Store
	err error
}

func (b brokenStore) Get(context.Context, quota.Key) (quota.Record, bool, error) {
	return quota.Record{}, false, b.err
}

func (b brokenStore) Update(context.Context, quota.Key, func(quota.Tx) error) error {
	return b.err
}

func TestFixedWindow_StoreFailureIsNotAnAdmission(t *testing.T) {
	cause := errors.New("disk I/O error")
	fw, err := NewFixedWindow(brokenStore{err: cause}, 5, time.Minute, clock.NewVirtualClock(epoch))
	if err != nil {
		t.Fatalf("NewFixedWindow() error = %v", err)
	}

	d, err := fw.Allow(ctx, user1)
	if err == nil {
		t.Fatal("expected storage error")
	}
	if d.Allowed {
		t.Error("decision must not be allowed on storage failure")
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("error %v should match ErrStoreUnavailable", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error %v should wrap the cause", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Key != user1 {
		t.Errorf("errors.As(StorageError) = %+v", se)
	}

	if _, err := fw.Status(ctx, user1); !IsStorageError(err) {
		t.Errorf("Status() error = %v, want storage error", err)
	}
}

func TestFixedWindow_Status(t *testing.T) {
	fw, vc, _ := newTestLimiter(t, 3, time.Hour)

	u, err := fw.Status(ctx, user1)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if u.Active || u.Remaining != 3 {
		t.Errorf("unknown key = %+v, want inactive with full allowance", u)
	}

	mustAllow(t, fw, user1)
	mustAllow(t, fw, user1)
	u, _ = fw.Status(ctx, user1)
	if !u.Active || u.Used != 2 || u.Remaining != 1 {
		t.Errorf("after two requests = %+v", u)
	}
	if !u.ResetAt.Equal(epoch.Add(time.Hour)) {
		t.Errorf("ResetAt = %v", u.ResetAt)
	}

	// Status must not count as a request.
	if d := mustAllow(t, fw, user1); !d.Allowed || d.Remaining != 0 {
		t.Errorf("third request = %+v", d)
	}

	vc.Advance(2 * time.Hour)
	u, _ = fw.Status(ctx, user1)
	if u.Active || u.Remaining != 3 {
		t.Errorf("expired window = %+v, want inactive with full allowance", u)
	}
}

func TestDecision_RetryAfter(t *testing.T) {
	d := Decision{ResetAt: epoch.Add(1500 * time.Millisecond)}
	if got := d.RetryAfter(epoch); got != 2*time.Second {
		t.Errorf("RetryAfter() = %s, want 2s", got)
	}
	if got := d.RetryAfter(epoch.Add(time.Hour)); got != time.Second {
		t.Errorf("RetryAfter() past reset = %s, want 1s", got)
	}
}

func TestFixedWindow_ImplementsLimiter(t *testing.T) {
	fw, _, _ := newTestLimiter(t, 10, time.Minute)
	var _ Limiter = fw
}
