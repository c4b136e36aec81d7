// Package bridge carries session events out of the link callback context to a
// single consumer, in the order they were emitted.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/groutine"
)

const (
	// DefaultCapacity is the default number of events buffered ahead of the consumer.
	DefaultCapacity uint32 = 256

	// MaxCapacity guards against accidental misconfiguration.
	MaxCapacity uint32 = 64 * 1024

	// DefaultFlushTimeout bounds how long Close waits for the consumer to take
	// events that were already buffered.
	DefaultFlushTimeout = time.Second
)

const (
	stateNotRunning uint32 = iota
	stateRunning
	stateClosed
)

// Metrics provides lock-free counters for a Bridge.
type Metrics struct {
	Emitted     int64
	Delivered   int64
	Overwritten int64
	Dropped     int64
}

// Bridge is a single-consumer ordered event channel.
//
// Producers call Emit from any goroutine; it never blocks on the consumer.
// Events wait in a ring buffer until the pump goroutine hands them to the
// channel returned by Events. Should the consumer fall more than the buffer
// capacity behind, the oldest events are overwritten and counted in
// Metrics.Overwritten with a warning; nothing is lost without a trace.
type Bridge struct {
	buffer mpmc.RichOverlappedRingBuffer[Event]
	emitMu sync.Mutex

	out  chan Event
	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	pending []Event // owned by the pump goroutine

	state        uint32
	flushTimeout time.Duration
	logger       *logrus.Logger

	emitted     atomic.Int64
	delivered   atomic.Int64
	overwritten atomic.Int64
	dropped     atomic.Int64
}

// New creates a bridge buffering up to capacity events.
func New(capacity uint32, logger *logrus.Logger) (*Bridge, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("bridge capacity must be > 0")
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("bridge capacity %d exceeds maximum %d", capacity, MaxCapacity)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Bridge{
		buffer:       mpmc.NewOverlappedRingBuffer[Event](capacity),
		out:          make(chan Event),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		flushTimeout: DefaultFlushTimeout,
		logger:       logger,
	}, nil
}

// Start launches the pump goroutine. Events emitted before Start are kept and
// delivered once it runs.
func (b *Bridge) Start() error {
	if !atomic.CompareAndSwapUint32(&b.state, stateNotRunning, stateRunning) {
		return fmt.Errorf("bridge already started or closed")
	}

	groutine.GoSafe(context.Background(), "event-bridge-pump", b.logger, func(ctx context.Context) {
		b.pump()
	})
	return nil
}

// Events returns the consumer side of the bridge. It is closed after Close.
func (b *Bridge) Events() <-chan Event {
	return b.out
}

// Emit enqueues an event. Emitting after Close drops the event with a debug log.
func (b *Bridge) Emit(ev Event) {
	b.emitMu.Lock()
	if atomic.LoadUint32(&b.state) == stateClosed {
		b.emitMu.Unlock()
		b.dropped.Add(1)
		b.logger.WithField("event", ev.String()).Debug("Event emitted after bridge close, dropping")
		return
	}
	overwrites, err := b.buffer.EnqueueM(ev)
	b.emitMu.Unlock()

	if err != nil {
		b.dropped.Add(1)
		b.logger.WithFields(logrus.Fields{
			"event": ev.String(),
			"error": err,
		}).Error("Failed to enqueue event")
		return
	}

	b.emitted.Add(1)
	if overwrites > 0 {
		b.overwritten.Add(int64(overwrites))
		b.logger.WithFields(logrus.Fields{
			"overwritten": overwrites,
			"event":       ev.String(),
		}).Warn("Event consumer is lagging, oldest events overwritten")
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close stops the pump after handing over buffered events, waiting at most the
// flush timeout for the consumer, and closes the Events channel. Safe to call
// more than once.
func (b *Bridge) Close() {
	b.emitMu.Lock()
	prev := atomic.SwapUint32(&b.state, stateClosed)
	b.emitMu.Unlock()

	switch prev {
	case stateClosed:
		<-b.done
		return
	case stateNotRunning:
		if n := len(b.remaining()); n > 0 {
			b.dropped.Add(int64(n))
			b.logger.WithField("events", n).Warn("Bridge closed before start, events discarded")
		}
		close(b.out)
		close(b.done)
		return
	}

	close(b.stop)
	<-b.done
}

// Metrics returns a snapshot of the bridge counters.
func (b *Bridge) Metrics() Metrics {
	return Metrics{
		Emitted:     b.emitted.Load(),
		Delivered:   b.delivered.Load(),
		Overwritten: b.overwritten.Load(),
		Dropped:     b.dropped.Load(),
	}
}

func (b *Bridge) pump() {
	defer close(b.done)
	defer close(b.out)

	for {
		select {
		case <-b.stop:
			b.flush()
			return
		case <-b.wake:
			if !b.drain() {
				b.flush()
				return
			}
		}
	}
}

// drain delivers buffered events until the buffer is empty. It returns false
// when Close interrupts a hand-over; that event is kept for flush.
func (b *Bridge) drain() bool {
	for !b.buffer.IsEmpty() {
		ev, err := b.buffer.Dequeue()
		if err != nil {
			return true
		}
		select {
		case b.out <- ev:
			b.delivered.Add(1)
		case <-b.stop:
			b.pending = append(b.pending, ev)
			return false
		}
	}
	return true
}

// remaining empties the pending slot and the ring buffer, oldest first.
func (b *Bridge) remaining() []Event {
	events := b.pending
	b.pending = nil
	for !b.buffer.IsEmpty() {
		ev, err := b.buffer.Dequeue()
		if err != nil {
			break
		}
		events = append(events, ev)
	}
	return events
}

func (b *Bridge) flush() {
	events := b.remaining()
	if len(events) == 0 {
		return
	}

	deadline := time.NewTimer(b.flushTimeout)
	defer deadline.Stop()

	for i, ev := range events {
		select {
		case b.out <- ev:
			b.delivered.Add(1)
		case <-deadline.C:
			n := len(events) - i
			b.dropped.Add(int64(n))
			b.logger.WithField("events", n).Warn("Consumer did not drain bridge before close, events discarded")
			return
		}
	}
}
