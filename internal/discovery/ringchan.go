package discovery

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. Readers use C() like a normal Go channel.
//
//	rc := NewRingChannel[DeviceEvent](3)
//	for _, ev := range events {
//	    rc.ForceSend(ev) // keeps only the newest 3
//	}
//	for ev := range rc.C() {
//	    fmt.Println("got:", ev)
//	}
type RingChannel[T any] struct {
	ch      chan T
	metrics RingMetrics
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend always succeeds immediately, discarding the oldest element if
// needed. It reports whether an element was dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}

		select {
		case <-rc.ch: // drop oldest
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() RingMetrics {
	return RingMetrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// RingMetrics provides lock-free counters for RingChannel.
type RingMetrics struct {
	Written     int64
	Overwritten int64
}
