package sink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/bridge"
	"github.com/srg/payid/internal/groutine"
)

// DefaultQueueSize is the number of events a Queue holds before it starts
// dropping the oldest.
const DefaultQueueSize = 64

// Queue hands events to a slow sink on its own goroutine, so a stalled
// broker never holds up the terminal or the other sinks. When the buffer is
// full the oldest pending event is dropped; the newest, usually the final
// Cleared, always gets in.
type Queue struct {
	sink   Sink
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	closed bool
	events chan bridge.Event
	done   chan struct{}

	dropped atomic.Uint64
}

// NewQueue starts the worker goroutine feeding s. Size <= 0 selects
// DefaultQueueSize.
func NewQueue(name string, s Sink, size int, logger *logrus.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	q := &Queue{
		sink:   s,
		name:   name,
		logger: logger,
		events: make(chan bridge.Event, size),
		done:   make(chan struct{}),
	}
	groutine.GoSafe(context.Background(), name+"-queue", logger, q.run)
	return q
}

func (q *Queue) run(context.Context) {
	defer close(q.done)
	for ev := range q.events {
		if err := q.sink.Handle(ev); err != nil {
			q.logger.WithFields(logrus.Fields{
				"sink":  q.name,
				"event": ev.String(),
				"error": err,
			}).Warn("Event sink failed")
		}
	}
}

// Handle enqueues ev without waiting for the sink. Events handed in after
// Close are discarded.
func (q *Queue) Handle(ev bridge.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	for {
		select {
		case q.events <- ev:
			return nil
		default:
		}

		select {
		case old := <-q.events:
			q.dropped.Add(1)
			q.logger.WithFields(logrus.Fields{
				"sink":  q.name,
				"event": old.String(),
			}).Warn("Event queue full, dropping oldest event")
		default:
		}
	}
}

// Dropped returns how many events were discarded because the sink fell behind.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops accepting events and waits until the pending ones reached the
// sink.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	<-q.done
}
