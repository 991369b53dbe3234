package session

import (
	"context"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/myoscope/internal/decoder"
)

// ingestQueue decouples BLE callbacks from decoding. Producers never block:
// when the ring is full the oldest notification is overwritten.
type ingestQueue struct {
	ring     mpmc.RichOverlappedRingBuffer[decoder.Notification]
	wake     chan struct{}
	overruns atomic.Uint64
	errors   atomic.Uint64

	// onFirstOverrun runs once, on the push that first overwrites.
	onFirstOverrun func()
}

func newIngestQueue(size uint32, onFirstOverrun func()) *ingestQueue {
	return &ingestQueue{
		ring:           mpmc.NewOverlappedRingBuffer[decoder.Notification](size),
		wake:           make(chan struct{}, 1),
		onFirstOverrun: onFirstOverrun,
	}
}

func (q *ingestQueue) push(n decoder.Notification) {
	overwrites, err := q.ring.EnqueueM(n)
	if err != nil {
		q.errors.Add(1)
		return
	}
	if overwrites > 0 {
		n := uint64(overwrites)
		if q.overruns.Add(n) == n && q.onFirstOverrun != nil {
			q.onFirstOverrun()
		}
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain hands every queued notification to fn in arrival order.
func (q *ingestQueue) drain(fn func(decoder.Notification)) {
	for !q.ring.IsEmpty() {
		n, err := q.ring.Dequeue()
		if err != nil {
			return
		}
		fn(n)
	}
}

// run drains until ctx is done, then drains once more so notifications
// accepted before the link closed are not lost.
func (q *ingestQueue) run(ctx context.Context, fn func(decoder.Notification)) {
	for {
		select {
		case <-ctx.Done():
			q.drain(fn)
			return
		case <-q.wake:
			q.drain(fn)
		}
	}
}
