// Package stream fans decoded samples and control events out to viewers.
//
// Each viewer owns a bounded queue. Publishing never waits on a viewer: a
// full queue drops its oldest event, so one slow browser tab cannot stall
// the ingest pump or starve the others.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/decoder"
	"github.com/srg/myoscope/internal/ringchan"
)

type Options struct {
	Logger    *logrus.Logger
	QueueSize int `default:"256"`
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	logger    *logrus.Logger
	queueSize int

	viewers *hashmap.Map[string, *Viewer]

	// publishMu makes every fan-out single-producer so ForceSend never spins
	// against another publisher.
	publishMu sync.Mutex
	published atomic.Uint64
}

func NewDispatcher(opts Options) *Dispatcher {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Dispatcher{
		logger:    opts.Logger,
		queueSize: opts.QueueSize,
		viewers:   hashmap.New[string, *Viewer](),
	}
}

// Viewer is one attached consumer.
type Viewer struct {
	id         string
	attachedAt time.Time
	queue      *ringchan.RingChannel[Event]
	done       chan struct{}
	detachOnce sync.Once
}

// ViewerMetrics counts what was queued for a viewer and what it lost.
type ViewerMetrics struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

func (v *Viewer) ID() string { return v.id }

// Events returns the viewer's queue. It is never closed; select on Done too.
func (v *Viewer) Events() <-chan Event { return v.queue.C() }

// Done is closed when the viewer is detached.
func (v *Viewer) Done() <-chan struct{} { return v.done }

func (v *Viewer) Metrics() ViewerMetrics {
	m := v.queue.Metrics()
	return ViewerMetrics{Written: m.Written, Dropped: m.Overwritten, Queued: v.queue.Len()}
}

// Attach registers a new viewer.
func (d *Dispatcher) Attach() *Viewer {
	v := &Viewer{
		id:         uuid.NewString(),
		attachedAt: time.Now(),
		queue:      ringchan.New[Event](d.queueSize),
		done:       make(chan struct{}),
	}
	d.viewers.Set(v.id, v)
	d.logger.WithFields(logrus.Fields{"viewer": v.id, "viewers": d.viewers.Len()}).Info("Viewer attached")
	return v
}

// Detach removes a viewer. It does not wait for an in-progress publish.
func (d *Dispatcher) Detach(id string) {
	v, ok := d.viewers.Get(id)
	if !ok {
		return
	}
	d.viewers.Del(id)
	v.detachOnce.Do(func() { close(v.done) })

	m := v.Metrics()
	d.logger.WithFields(logrus.Fields{
		"viewer":   id,
		"written":  m.Written,
		"dropped":  m.Dropped,
		"duration": time.Since(v.attachedAt).Round(time.Millisecond),
	}).Info("Viewer detached")
}

// Viewers returns the number of attached viewers.
func (d *Dispatcher) Viewers() int {
	return d.viewers.Len()
}

// Published returns how many events have been fanned out.
func (d *Dispatcher) Published() uint64 {
	return d.published.Load()
}

// Consume implements the session sink.
func (d *Dispatcher) Consume(b decoder.Batch) {
	if d.viewers.Len() == 0 {
		return
	}
	for _, ev := range BatchEvents(b) {
		d.Publish(ev)
	}
}

// Publish queues ev for every attached viewer.
func (d *Dispatcher) Publish(ev Event) {
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	d.viewers.Range(func(id string, v *Viewer) bool {
		if v.queue.ForceSend(ev) {
			d.logger.WithFields(logrus.Fields{"viewer": id, "event": ev.Name}).Trace("Viewer queue full, dropped oldest")
		}
		return true
	})
	d.published.Add(1)
}

// Broadcast publishes a control event by name.
func (d *Dispatcher) Broadcast(name string, data any) {
	d.Publish(Event{Name: name, Data: data})
}
