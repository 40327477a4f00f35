package querylog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps log entries in a slice.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Log(_ context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Entries returns a copy of the logged entries.
func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemoryStore) UserStats(_ context.Context, userID int64, channel string) (UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := UserStats{UserID: userID, Channel: channel, FavoriteModel: FavoriteModelNone}
	counts := make(map[string]int)
	for _, e := range s.entries {
		if e.UserID != userID || e.Channel != channel {
			continue
		}
		st.TotalQueries++
		if e.Success {
			st.SuccessfulQueries++
		}
		counts[e.Model]++
	}

	models := make([]string, 0, len(counts))
	for m := range counts {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool {
		if counts[models[i]] != counts[models[j]] {
			return counts[models[i]] > counts[models[j]]
		}
		return models[i] < models[j]
	})
	if len(models) > 0 {
		st.FavoriteModel = models[0]
	}
	return st, nil
}

func (s *MemoryStore) GlobalStats(context.Context) (GlobalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		st    GlobalStats
		total int64
	)
	users := make(map[int64]struct{})
	for _, e := range s.entries {
		users[e.UserID] = struct{}{}
		total += e.ResponseTimeMs
	}
	st.TotalUsers = int64(len(users))
	st.TotalQueries = int64(len(s.entries))
	if st.TotalQueries > 0 {
		st.AvgResponseTimeMs = roundMs(float64(total) / float64(st.TotalQueries))
	}
	return st, nil
}

func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
