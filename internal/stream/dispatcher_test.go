package stream_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/srg/myoscope/internal/decoder"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/stream"
	"github.com/srg/myoscope/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type DispatcherTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	d      *stream.Dispatcher
}

func (s *DispatcherTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.d = stream.NewDispatcher(stream.Options{Logger: s.helper.Logger, QueueSize: 4})
}

func drain(v *stream.Viewer) []stream.Event {
	var out []stream.Event
	for {
		select {
		case ev := <-v.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func emgBatch(seq uint64, ts float64, ch int8) decoder.Batch {
	return decoder.Batch{Seq: seq, Frames: []decoder.Frame{
		&decoder.EMGFrame{Timestamp: ts, Channels: [8]int8{ch}, RawHex: "aa"},
		&decoder.EMGFrame{Timestamp: ts + 0.005, Channels: [8]int8{-ch}},
	}}
}

// GOAL: Every viewer receives every event in publish order
//
// TEST SCENARIO: two viewers attached → three batches consumed → both viewers hold the same three emg events in order
func (s *DispatcherTestSuite) TestFanOutPreservesOrder() {
	a, b := s.d.Attach(), s.d.Attach()
	s.NotEqual(a.ID(), b.ID())
	s.Equal(2, s.d.Viewers())

	for i := 1; i <= 3; i++ {
		s.d.Consume(emgBatch(uint64(i), float64(i), int8(i)))
	}

	for _, v := range []*stream.Viewer{a, b} {
		events := drain(v)
		s.Require().Len(events, 3)
		for i, ev := range events {
			s.Equal(stream.EventEMG, ev.Name)
			data := ev.Data.(stream.EMGData)
			s.Equal(float64(i+1), data.T, "events MUST arrive in publish order")
			s.Len(data.Samples, 2)
		}
	}
}

// GOAL: A slow viewer loses its oldest events and never blocks the others
//
// TEST SCENARIO: queue size 4 → slow viewer never reads → 10 events published → slow viewer holds the newest 4 and reports 6 dropped
func (s *DispatcherTestSuite) TestSlowViewerDropsOldest() {
	slow := s.d.Attach()
	fast := s.d.Attach()

	var got []float64
	for i := 1; i <= 10; i++ {
		s.d.Consume(emgBatch(uint64(i), float64(i), 1))
		for _, ev := range drain(fast) {
			got = append(got, ev.Data.(stream.EMGData).T)
		}
	}
	s.Len(got, 10, "a fast viewer MUST NOT lose events")

	events := drain(slow)
	s.Require().Len(events, 4)
	s.Equal(float64(7), events[0].Data.(stream.EMGData).T)
	s.Equal(float64(10), events[3].Data.(stream.EMGData).T)

	m := slow.Metrics()
	s.Equal(int64(10), m.Written)
	s.Equal(int64(6), m.Dropped)
}

func (s *DispatcherTestSuite) TestDetach() {
	v := s.d.Attach()
	s.d.Detach(v.ID())
	s.d.Detach(v.ID())

	select {
	case <-v.Done():
	default:
		s.Fail("Done MUST be closed after detach")
	}
	s.Zero(s.d.Viewers())

	s.d.Broadcast(stream.EventState, stream.StateData{State: "idle"})
	s.Empty(drain(v), "a detached viewer MUST NOT receive new events")
}

func (s *DispatcherTestSuite) TestDetachDuringPublish() {
	viewers := make([]*stream.Viewer, 8)
	for i := range viewers {
		viewers[i] = s.d.Attach()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.d.Consume(emgBatch(uint64(i), float64(i), 1))
		}
	}()
	go func() {
		defer wg.Done()
		for _, v := range viewers {
			s.d.Detach(v.ID())
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("publish and detach MUST NOT deadlock")
	}
	s.Zero(s.d.Viewers())
}

func (s *DispatcherTestSuite) TestConsumeWithoutViewersIsNoop() {
	s.d.Consume(emgBatch(1, 1, 1))
	s.Zero(s.d.Published())
}

func (s *DispatcherTestSuite) TestEventWireForms() {
	v := s.d.Attach()
	battery := 80
	model := "MYO Black"

	s.d.Consume(decoder.Batch{Seq: 1, Frames: []decoder.Frame{
		&decoder.IMUFrame{
			Timestamp:  1.5,
			Quaternion: &[4]float64{1, 0, 0, 0},
			Accel:      &[3]float64{1, 2, 3},
			Gyro:       &[3]float64{4, 5, 6},
			RawHex:     "0040",
		},
	}})
	s.d.Publish(stream.StatusEvent(myo.Status{Connected: true, Battery: &battery, Model: &model}))
	s.d.Publish(stream.StateEvent("idle"))
	s.d.Publish(stream.RecordingEvent(map[string]any{"records": 3}))

	events := drain(v)
	s.Require().Len(events, 4)

	raw, err := json.Marshal(events)
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoreExtraKeys(false)).Assert(string(raw), `[
		{"event": "imu", "data": {"t": 1.5, "quat": [1, 0, 0, 0], "accel": [1, 2, 3], "gyro": [4, 5, 6], "raw": "0040"}},
		{"event": "status", "data": {"connected": true, "battery": 80, "model": "MYO Black"}},
		{"event": "state", "data": {"state": "idle"}},
		{"event": "recording", "data": {"records": 3}}
	]`)
}

func (s *DispatcherTestSuite) TestBatchEventsEMGJSON() {
	events := stream.BatchEvents(emgBatch(1, 2, 5))
	s.Require().Len(events, 1)

	testutils.NewJSONAsserter(s.T()).AssertValue(events[0], `{
		"event": "emg",
		"data": {"t": 2, "samples": [[5,0,0,0,0,0,0,0], [-5,0,0,0,0,0,0,0]], "raw": "aa"}
	}`)
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}
