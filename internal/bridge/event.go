package bridge

import (
	"fmt"

	"github.com/srg/payid/internal/sensor"
)

// Kind tags a session event
type Kind int

const (
	Progress Kind = iota
	DismissProgress
	ValueUpdate
	Cleared
)

func (k Kind) String() string {
	switch k {
	case Progress:
		return "progress"
	case DismissProgress:
		return "dismiss_progress"
	case ValueUpdate:
		return "value_update"
	case Cleared:
		return "cleared"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, c := range []Kind{Progress, DismissProgress, ValueUpdate, Cleared} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", text)
}

// Event is one message from a session to its consumer.
type Event struct {
	Kind    Kind            `json:"kind"`
	Message string          `json:"message,omitempty"`
	Reading *sensor.Reading `json:"reading,omitempty"`
}

// NewProgress reports a step the consumer may show as busy.
func NewProgress(message string) Event {
	return Event{Kind: Progress, Message: message}
}

// NewDismissProgress ends any busy indication.
func NewDismissProgress() Event {
	return Event{Kind: DismissProgress}
}

// NewValueUpdate carries a decoded reading.
func NewValueUpdate(r sensor.Reading) Event {
	return Event{Kind: ValueUpdate, Reading: &r}
}

// NewCleared tells the consumer to reset displayed values.
func NewCleared() Event {
	return Event{Kind: Cleared}
}

func (e Event) String() string {
	switch e.Kind {
	case Progress:
		return fmt.Sprintf("Progress(%q)", e.Message)
	case ValueUpdate:
		if e.Reading != nil {
			return fmt.Sprintf("ValueUpdate(%s, %g)", e.Reading.Characteristic, e.Reading.Value)
		}
		return "ValueUpdate(<nil>)"
	case DismissProgress:
		return "DismissProgress"
	case Cleared:
		return "Cleared"
	default:
		return e.Kind.String()
	}
}

// Emitter accepts events from a producer. Bridge implements it.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) {
	f(ev)
}
