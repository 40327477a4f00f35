package querylog

import (
	"time"

	"github.com/perplexo/gateway/internal/limiter"
)

// Event kinds.
const (
	KindSearch = "search"
	KindVision = "vision"
)

// Event is one admission decision made by the gateway, with the relay
// outcome when the request was admitted. Events are what the recorder
// captures and the replayer consumes.
type Event struct {
	Time           time.Time        `json:"time"`
	UserID         int64            `json:"user_id"`
	Channel        string           `json:"channel"`
	Kind           string           `json:"kind"`
	Decision       limiter.Decision `json:"decision"`
	Outcome        string           `json:"outcome,omitempty"`
	ResponseTimeMs int64            `json:"response_time_ms,omitempty"`
}

// Publisher receives gateway events.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }
