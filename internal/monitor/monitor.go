// Package monitor polls the session status while an armband is connected
// and republishes it to viewers.
//
// Polling is also how a link that vanished without a disconnect event is
// noticed: the first snapshot reporting connected=false is published once
// and the monitor goes dormant until the next Activate.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/stream"
)

// StatusSource is implemented by session.Manager.
type StatusSource interface {
	Status(ctx context.Context) myo.Status
}

// Publisher is implemented by stream.Dispatcher.
type Publisher interface {
	Publish(stream.Event)
}

type Options struct {
	Logger   *logrus.Logger
	Interval time.Duration `default:"2s"`
}

type Monitor struct {
	src    StatusSource
	pub    Publisher
	opts   Options
	logger *logrus.Logger

	activate chan struct{}
	active   atomic.Bool
	polls    atomic.Uint64

	// reportedDown suppresses repeating a disconnected snapshot when a
	// stale activation finds the session still down.
	reportedDown bool
}

func New(src StatusSource, pub Publisher, opts Options) *Monitor {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Monitor{
		src:      src,
		pub:      pub,
		opts:     opts,
		logger:   opts.Logger,
		activate: make(chan struct{}, 1),
	}
}

// Activate starts polling. It never blocks; activations while one is
// pending collapse into one.
func (m *Monitor) Activate() {
	select {
	case m.activate <- struct{}{}:
	default:
	}
}

// Active reports whether the monitor is polling.
func (m *Monitor) Active() bool {
	return m.active.Load()
}

// Polls returns how many status polls were made.
func (m *Monitor) Polls() uint64 {
	return m.polls.Load()
}

// Run blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.WithField("interval", m.opts.Interval).Debug("Status monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.activate:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	m.active.Store(true)
	defer m.active.Store(false)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		st := m.src.Status(ctx)
		m.polls.Add(1)
		if ctx.Err() != nil {
			return
		}

		if !st.Connected {
			if !m.reportedDown {
				m.pub.Publish(stream.StatusEvent(st))
				m.logger.Info("Armband reported disconnected, status polling paused")
			}
			m.reportedDown = true
			return
		}
		m.reportedDown = false
		m.pub.Publish(stream.StatusEvent(st))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
