// Package querylog records the outcome of relayed queries for analytics and
// streams gateway events to recorders and live subscribers.
package querylog

import (
	"context"
	"errors"
	"math"
	"time"
)

// FavoriteModelNone is reported when a user has no logged queries.
const FavoriteModelNone = "N/A"

// Entry is one completed relay attempt.
type Entry struct {
	UserID         int64     `json:"user_id"`
	Channel        string    `json:"channel"`
	Query          string    `json:"query"`
	Model          string    `json:"model"`
	Focus          string    `json:"focus"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sink accepts log entries. The gateway writes to it and never reads back.
type Sink interface {
	Log(ctx context.Context, e Entry) error
}

// UserStats summarizes one user's queries on one channel.
type UserStats struct {
	UserID            int64  `json:"user_id"`
	Channel           string `json:"channel"`
	TotalQueries      int64  `json:"total_queries"`
	SuccessfulQueries int64  `json:"successful_queries"`
	FavoriteModel     string `json:"favorite_model"`
}

// GlobalStats summarizes every logged query.
type GlobalStats struct {
	TotalUsers        int64   `json:"total_users"`
	TotalQueries      int64   `json:"total_queries"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// Analytics reads aggregates back out of a log store.
type Analytics interface {
	UserStats(ctx context.Context, userID int64, channel string) (UserStats, error)
	GlobalStats(ctx context.Context) (GlobalStats, error)
	// Prune deletes entries created before cutoff and returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is a Sink that can also be queried.
type Store interface {
	Sink
	Analytics
	Close() error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Log(ctx context.Context, e Entry) error { return f(ctx, e) }

// Discard drops every entry.
var Discard Sink = SinkFunc(func(context.Context, Entry) error { return nil })

// Tee fans an entry out to every sink. All sinks are called; their errors
// are joined.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e Entry) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Log(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func roundMs(v float64) float64 {
	return math.Round(v*100) / 100
}
