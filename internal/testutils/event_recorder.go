package testutils

import (
	"sync"

	"github.com/srg/payid/internal/bridge"
)

// EventRecorder is a bridge.Emitter that keeps every event in order.
type EventRecorder struct {
	mu     sync.Mutex
	events []bridge.Event
}

func (r *EventRecorder) Emit(ev bridge.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []bridge.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bridge.Event(nil), r.events...)
}

// Strings renders the recorded events with bridge.Event.String.
func (r *EventRecorder) Strings() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.String()
	}
	return out
}

// Count returns the number of recorded events of kind.
func (r *EventRecorder) Count(kind bridge.Kind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

var _ bridge.Emitter = (*EventRecorder)(nil)
