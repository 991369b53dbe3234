package recorder_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/srg/myoscope/internal/decoder"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/recorder"
	"github.com/srg/myoscope/internal/session"
	"github.com/srg/myoscope/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// fakeSource stands in for the session manager.
type fakeSource struct {
	mu    sync.Mutex
	sinks map[int]session.Sink
	next  int
	info  myo.DeviceInfo
	mode  myo.ModeConfig
}

func newFakeSource() *fakeSource {
	sku, fw := 1, "1.5.1970"
	return &fakeSource{
		sinks: make(map[int]session.Sink),
		info:  myo.DeviceInfo{SKU: &sku, Firmware: &fw},
		mode:  myo.DefaultMode,
	}
}

func (f *fakeSource) Subscribe(s session.Sink) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.sinks[id] = s
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.sinks, id)
	}
}

func (f *fakeSource) Info() myo.DeviceInfo { return f.info }
func (f *fakeSource) Mode() myo.ModeConfig { return f.mode }

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

func (f *fakeSource) emit(frames ...decoder.Frame) {
	f.mu.Lock()
	sinks := make([]session.Sink, 0, len(f.sinks))
	for _, s := range f.sinks {
		sinks = append(sinks, s)
	}
	f.mu.Unlock()
	for _, s := range sinks {
		s.Consume(decoder.Batch{Frames: frames})
	}
}

type RecorderTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	src    *fakeSource
	dir    string
	rec    *recorder.Recorder

	autoStops chan recorder.Result
}

func (s *RecorderTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.src = newFakeSource()
	s.dir = s.T().TempDir()
	s.autoStops = make(chan recorder.Result, 4)
	s.rec = recorder.New(s.src, recorder.Options{
		Logger: s.helper.Logger,
		Dir:    s.dir,
		Clock:  func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) },
		OnAutoStop: func(res recorder.Result, err error) {
			s.NoError(err)
			s.autoStops <- res
		},
	})
}

func (s *RecorderTestSuite) readFile(path string) string {
	data, err := os.ReadFile(path)
	s.Require().NoError(err)
	return string(data)
}

func emg(ts float64, raw string, ch ...int8) *decoder.EMGFrame {
	f := &decoder.EMGFrame{Timestamp: ts, RawHex: raw}
	copy(f.Channels[:], ch)
	return f
}

// GOAL: Raw mode keeps one record per notification and saves the documented layout
//
// TEST SCENARIO: start raw "fist" → EMG pair and IMU frame arrive → stop → file matches golden CSV → unsubscribed
func (s *RecorderTestSuite) TestRawRecording() {
	_, err := s.rec.Start(recorder.StartOptions{Label: "fist", RawMode: true})
	s.Require().NoError(err)
	s.Equal(1, s.src.subscribers())

	s.src.emit(emg(1.5, "01ff", 1, -1), emg(1.505, ""))
	s.src.emit(&decoder.IMUFrame{Timestamp: 1.52, RawHex: "0040"})

	res, err := s.rec.Stop()
	s.Require().NoError(err)
	s.Equal(2, res.Records, "raw mode MUST keep one record per notification")
	s.Equal(recorder.ReasonStopped, res.Reason)
	s.Equal(filepath.Join(s.dir, "myo_raw_fist_2025-01-02_03-04-05.csv"), res.Path)
	s.Zero(s.src.subscribers(), "stop MUST unsubscribe from the stream")

	testutils.NewTextAsserter(s.T()).Assert(s.readFile(res.Path), `
# Firmware: 1.5.1970
# SKU: 1
# Model: MYO Black
# EMG Mode: Raw
# IMU Mode: All
# Format: timestamp,type,raw_hex,label
timestamp,type,raw_hex,label
1.5,EMG,01ff,fist
1.52,IMU,0040,fist
`)
}

// GOAL: Parsed mode writes one row per EMG sample joined with the latest IMU reading
//
// TEST SCENARIO: start parsed → EMG before any IMU → IMU → EMG → stop → first row has empty IMU cells, second row carries the IMU values
func (s *RecorderTestSuite) TestParsedRecording() {
	_, err := s.rec.Start(recorder.StartOptions{Label: "rest"})
	s.Require().NoError(err)

	s.src.emit(emg(2, "", 1, 2, 3, 4, 5, 6, 7, 8))
	s.src.emit(&decoder.IMUFrame{
		Timestamp:  2.005,
		Quaternion: &[4]float64{1, 0, 0, 0},
		Accel:      &[3]float64{1, 2, 3},
		Gyro:       &[3]float64{4, 5, 6},
	})
	s.src.emit(&decoder.IMUFrame{Timestamp: 2.006, Event: &decoder.MotionEvent{Type: 1}})
	s.src.emit(emg(2.01, "", -1, -2, -3, -4, -5, -6, -7, -8))

	res, err := s.rec.Stop()
	s.Require().NoError(err)
	s.Equal(2, res.Records)

	testutils.NewTextAsserter(s.T()).Assert(s.readFile(res.Path), `
# Firmware: 1.5.1970
# SKU: 1
# Model: MYO Black
# EMG Mode: Raw
# IMU Mode: All
# Format: timestamp,emg_0...7,quat_wxyz,acc_xyz,gyro_xyz,label
timestamp,emg_0,emg_1,emg_2,emg_3,emg_4,emg_5,emg_6,emg_7,quat_w,quat_x,quat_y,quat_z,acc_x,acc_y,acc_z,gyro_x,gyro_y,gyro_z,label
2,1,2,3,4,5,6,7,8,,,,,,,,,,,rest
2.01,-1,-2,-3,-4,-5,-6,-7,-8,1,0,0,0,1,2,3,4,5,6,rest
`)
}

func (s *RecorderTestSuite) TestStartAndStopRules() {
	s.Run("stop while idle", func() {
		_, err := s.rec.Stop()
		s.ErrorIs(err, recorder.ErrNotRecording)
	})

	s.Run("start while active is rejected", func() {
		id, err := s.rec.Start(recorder.StartOptions{Label: "a"})
		s.Require().NoError(err)
		s.NotEmpty(id)

		_, err = s.rec.Start(recorder.StartOptions{Label: "b"})
		s.ErrorIs(err, recorder.ErrAlreadyRecording)

		snap := s.rec.Snapshot()
		s.True(snap.Active)
		s.Equal(id, snap.ID)
		s.Equal("a", snap.Label)
	})

	s.Run("empty recording writes nothing", func() {
		res, err := s.rec.Stop()
		s.Require().NoError(err)
		s.Zero(res.Records)
		s.Empty(res.Path)

		entries, err := os.ReadDir(s.dir)
		s.Require().NoError(err)
		s.Empty(entries)
	})

	s.Run("samples outside a recording are ignored", func() {
		s.src.emit(emg(9, "00"))
		s.False(s.rec.Snapshot().Active)
	})
}

// GOAL: The auto-stop timer saves the recording and reports it
//
// TEST SCENARIO: start with 20ms timeout → one sample → timer fires → OnAutoStop gets a timeout result with a saved path
func (s *RecorderTestSuite) TestAutoStop() {
	_, err := s.rec.Start(recorder.StartOptions{Label: "wave", RawMode: true, Timeout: 20 * time.Millisecond})
	s.Require().NoError(err)
	s.src.emit(emg(1, "aa"))

	select {
	case res := <-s.autoStops:
		s.Equal(recorder.ReasonTimeout, res.Reason)
		s.Equal(1, res.Records)
		s.FileExists(res.Path)
	case <-time.After(time.Second):
		s.FailNow("auto-stop never fired")
	}
	s.False(s.rec.Snapshot().Active)
}

// GOAL: A timer armed for an earlier recording cannot stop a later one
//
// TEST SCENARIO: start with timeout → stop manually → start again without timeout → old deadline passes → second recording still active
func (s *RecorderTestSuite) TestStaleTimerIsNoop() {
	_, err := s.rec.Start(recorder.StartOptions{Timeout: 30 * time.Millisecond})
	s.Require().NoError(err)
	_, err = s.rec.Stop()
	s.Require().NoError(err)

	id, err := s.rec.Start(recorder.StartOptions{Label: "second"})
	s.Require().NoError(err)

	time.Sleep(80 * time.Millisecond)
	snap := s.rec.Snapshot()
	s.True(snap.Active, "stale timer MUST NOT stop the new recording")
	s.Equal(id, snap.ID)
	s.Empty(s.autoStops)
}

// GOAL: A failed save keeps the data until it is saved or discarded
//
// TEST SCENARIO: save path under a regular file → stop fails with ErrPersistence → start blocked → retry elsewhere succeeds → start allowed again
func (s *RecorderTestSuite) TestPersistenceFailureRetainsBuffer() {
	blocker := filepath.Join(s.dir, "blocker")
	s.Require().NoError(os.WriteFile(blocker, nil, 0o644))

	_, err := s.rec.Start(recorder.StartOptions{Label: "grip", RawMode: true, SavePath: filepath.Join(blocker, "out")})
	s.Require().NoError(err)
	s.src.emit(emg(1, "aa"))
	s.src.emit(emg(2, "bb"))

	res, err := s.rec.Stop()
	s.ErrorIs(err, recorder.ErrPersistence)
	s.Empty(res.Path)

	pending := s.rec.Pending()
	s.Require().NotNil(pending)
	s.Equal(2, pending.Records)
	s.True(s.rec.Snapshot().Pending)

	_, err = s.rec.Start(recorder.StartOptions{})
	s.ErrorIs(err, recorder.ErrPendingSave)

	retryDir := filepath.Join(s.dir, "retry")
	res, err = s.rec.SavePending(retryDir)
	s.Require().NoError(err)
	s.Equal(filepath.Join(retryDir, "myo_raw_grip_2025-01-02_03-04-05.csv"), res.Path)
	s.Nil(s.rec.Pending())

	file, err := recorder.ReadFile(res.Path)
	s.Require().NoError(err)
	s.Len(file.Records, 2)

	_, err = s.rec.Start(recorder.StartOptions{})
	s.NoError(err)
}

func (s *RecorderTestSuite) TestDiscard() {
	_, err := s.rec.Discard()
	s.ErrorIs(err, recorder.ErrNothingPending)

	_, err = s.rec.Start(recorder.StartOptions{RawMode: true, SavePath: filepath.Join(s.dir, "missing", "\x00bad.csv")})
	s.Require().NoError(err)
	s.src.emit(emg(1, "aa"))
	_, err = s.rec.Stop()
	s.Require().ErrorIs(err, recorder.ErrPersistence)

	n, err := s.rec.Discard()
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Nil(s.rec.Pending())
}

func (s *RecorderTestSuite) TestSavePathAsFile() {
	target := filepath.Join(s.dir, "session", "custom.csv")
	_, err := s.rec.Start(recorder.StartOptions{RawMode: true, SavePath: target})
	s.Require().NoError(err)
	s.src.emit(emg(1, "aa"))

	res, err := s.rec.Stop()
	s.Require().NoError(err)
	s.Equal(target, res.Path)
}

func (s *RecorderTestSuite) TestSanitizeLabel() {
	tests := map[string]string{
		"":              recorder.DefaultLabel,
		"   ":           recorder.DefaultLabel,
		"fist":          "fist",
		"open hand":     "open_hand",
		"../etc/passwd": "etc_passwd",
		"wave-left_2":   "wave-left_2",
	}
	for in, want := range tests {
		s.Equal(want, recorder.SanitizeLabel(in), "label %q", in)
	}
}

func TestRecorderTestSuite(t *testing.T) {
	suite.Run(t, new(RecorderTestSuite))
}
