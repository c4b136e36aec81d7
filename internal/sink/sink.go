// Package sink forwards session events to places other than the terminal:
// an MQTT broker, websocket clients, or a view board.
package sink

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/bridge"
)

// Sink consumes session events.
type Sink interface {
	Handle(ev bridge.Event) error
}

// Func adapts a function to Sink.
type Func func(ev bridge.Event) error

func (f Func) Handle(ev bridge.Event) error {
	return f(ev)
}

// Multi hands every event to each sink in order. Errors are joined; one
// failing sink does not starve the others.
type Multi []Sink

func (m Multi) Handle(ev bridge.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Handle(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch feeds events to s until the channel closes or ctx is done.
// Sink errors are logged and do not stop the loop.
func Dispatch(ctx context.Context, events <-chan bridge.Event, s Sink, logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.New()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.Handle(ev); err != nil {
				logger.WithFields(logrus.Fields{
					"event": ev.String(),
					"error": err,
				}).Warn("Event sink failed")
			}
		}
	}
}
