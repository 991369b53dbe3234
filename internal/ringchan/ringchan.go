// Package ringchan provides a bounded channel with drop-oldest overflow.
package ringchan

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: if the buffer is full, the oldest element is
// discarded to make room. ForceSend is non-blocking only while a single
// goroutine sends at a time; callers with several producers must serialize
// them. Consumers may read concurrently with the producer.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(i)
//	}
//	// rc now holds 7, 8, 9
//
// The channel is never closed by this type. Signal end-of-stream out of band
// so a late ForceSend cannot panic.
type RingChannel[T any] struct {
	ch      chan T
	metrics counters
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend always inserts v, discarding the oldest element if the buffer is
// full. Reports whether an element was dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.written.Add(1)
		return false
	default:
	}

	dropped := false
	for {
		select {
		case <-rc.ch:
			rc.metrics.overwritten.Add(1)
			dropped = true
		default:
		}
		// A concurrent consumer may have freed the slot already; either way
		// there is room now unless another producer raced in.
		select {
		case rc.ch <- v:
			rc.metrics.written.Add(1)
			return dropped
		default:
		}
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     rc.metrics.written.Load(),
		Overwritten: rc.metrics.overwritten.Load(),
	}
}

// Metrics is a point-in-time copy of RingChannel counters.
type Metrics struct {
	Written     int64 `json:"written"`
	Overwritten int64 `json:"overwritten"`
}

type counters struct {
	written     atomic.Int64
	overwritten atomic.Int64
}
