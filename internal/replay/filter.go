package replay

import (
	"slices"
	"time"

	"github.com/perplexo/gateway/internal/querylog"
)

// Filter defines criteria for selecting events during replay.
type Filter struct {
	Users    []int64   // Only include these user ids (empty = all)
	Channels []string  // Only include these channels (empty = all)
	Kinds    []string  // Only include these event kinds (empty = all)
	After    time.Time // Only include events after this time (zero = no limit)
	Before   time.Time // Only include events before this time (zero = no limit)
}

// Match returns true if the event passes the filter.
func (f *Filter) Match(ev querylog.Event) bool {
	if len(f.Users) > 0 && !slices.Contains(f.Users, ev.UserID) {
		return false
	}
	if len(f.Channels) > 0 && !slices.Contains(f.Channels, ev.Channel) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if !f.After.IsZero() && !ev.Time.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !ev.Time.Before(f.Before) {
		return false
	}
	return true
}
