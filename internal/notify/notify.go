// Package notify publishes match and escrow lifecycle events to external
// consumers. Delivery is fire-and-forget: nothing in the funds path waits on
// it or fails because of it.
package notify

import (
	"context"
	"time"

	"github.com/mbd888/wagerescrow/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventHoldCreated    EventType = "hold.created"
	EventHoldReleased   EventType = "hold.released"
	EventMatchStarted   EventType = "match.started"
	EventMatchDisputed  EventType = "match.disputed"
	EventMatchCompleted EventType = "match.completed"
	EventMatchCancelled EventType = "match.cancelled"
)

// Event is the payload every sink receives.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	MatchID   string                 `json:"matchId,omitempty"`
	UserIDs   []string               `json:"userIds,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New builds an event with a fresh ID and timestamp.
func New(t EventType, matchID string, userIDs []string, data map[string]interface{}) *Event {
	return &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      t,
		MatchID:   matchID,
		UserIDs:   userIDs,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Emitter accepts events. Implementations must not block for long and must
// not return errors to the caller.
type Emitter interface {
	Emit(ctx context.Context, e *Event)
}

var emittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wagerescrow",
	Subsystem: "notify",
	Name:      "events_total",
	Help:      "Lifecycle events emitted by type.",
}, []string{"event_type"})

func init() {
	prometheus.MustRegister(emittedTotal)
}

// Multi fans an event out to every emitter.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e *Event) {
	emittedTotal.WithLabelValues(string(e.Type)).Inc()
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, *Event) {}

// Recorder keeps emitted events in memory. Tests use it to assert on what
// the services published.
type Recorder struct {
	ch chan *Event
}

// NewRecorder creates a recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan *Event, size)}
}

func (r *Recorder) Emit(_ context.Context, e *Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Events drains everything recorded so far.
func (r *Recorder) Events() []*Event {
	var out []*Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Types drains the recorder and returns just the event types, in order.
func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
