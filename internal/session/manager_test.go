package session_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/myoscope/internal/decoder"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/session"
	"github.com/srg/myoscope/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const armband = "AA:BB:CC:DD:EE:01"

type ManagerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	link   *testutils.FakeLink
	mgr    *session.Manager

	statesMu sync.Mutex
	states   []session.State
}

func (s *ManagerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.link = testutils.NewFakeLink()
	s.link.Adverts = []device.Advertisement{
		testutils.CreateMyoAdvertisement("Myo", armband, -50).Build(),
	}
	s.mgr = s.newManager(session.Options{})
}

func (s *ManagerTestSuite) TearDownTest() {
	s.NoError(s.mgr.Disconnect(context.Background()))
}

func (s *ManagerTestSuite) newManager(opts session.Options) *session.Manager {
	opts.Logger = s.helper.Logger
	if opts.ScanTimeout == 0 {
		opts.ScanTimeout = 50 * time.Millisecond
	}
	m := session.New(s.link, opts)

	s.statesMu.Lock()
	s.states = nil
	s.statesMu.Unlock()
	m.OnStateChange(func(st session.State) {
		s.statesMu.Lock()
		s.states = append(s.states, st)
		s.statesMu.Unlock()
	})
	return m
}

func (s *ManagerTestSuite) recordedStates() []session.State {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	return append([]session.State(nil), s.states...)
}

func (s *ManagerTestSuite) connect(mode myo.ModeConfig) *testutils.FakeConnection {
	s.Require().NoError(s.mgr.Connect(context.Background(), armband, mode))
	s.Require().Equal(session.Connected, s.mgr.State())
	conn := s.link.Last()
	s.Require().NotNil(conn)
	return conn
}

// startGatedConnect begins a Connect that blocks inside Dial until the gate
// is closed, and returns its result channel.
func (s *ManagerTestSuite) startGatedConnect() (gate chan struct{}, result chan error) {
	gate = make(chan struct{})
	s.link.DialGate = gate
	result = make(chan error, 1)
	go func() {
		result <- s.mgr.Connect(context.Background(), armband, myo.DefaultMode)
	}()
	select {
	case <-s.link.DialStarted():
	case <-time.After(time.Second):
		s.FailNow("dial never started")
	}
	return gate, result
}

type batchCollector struct {
	ch chan decoder.Batch
}

func newBatchCollector() *batchCollector {
	return &batchCollector{ch: make(chan decoder.Batch, 64)}
}

func (c *batchCollector) Consume(b decoder.Batch) { c.ch <- b }

func (c *batchCollector) next(s *ManagerTestSuite) decoder.Batch {
	select {
	case b := <-c.ch:
		return b
	case <-time.After(time.Second):
		s.FailNow("no batch delivered")
		return decoder.Batch{}
	}
}

// GOAL: Connect configures the armband and moves to Connected
//
// TEST SCENARIO: Connect raw/all → never-sleep then set-mode written → six characteristics subscribed → device info cached
func (s *ManagerTestSuite) TestConnectConfiguresArmband() {
	conn := s.connect(myo.DefaultMode)

	s.Equal([][]byte{
		{0x09, 0x01, 0x01},
		{0x01, 0x03, 0x03, 0x03, 0x00},
	}, conn.CommandWrites(), "MUST enable never-sleep before writing the mode")
	s.ElementsMatch(myo.StreamCharacteristics, conn.Subscribed())

	s.Equal([]session.State{session.Connecting, session.Connected}, s.recordedStates())
	s.Equal(myo.DefaultMode, s.mgr.Mode())

	info := s.mgr.Info()
	s.Require().NotNil(info.SKU)
	s.Equal(1, *info.SKU)
	s.Require().NotNil(info.Firmware)
	s.Equal("1.5.1970", *info.Firmware)
}

func (s *ManagerTestSuite) TestConnectFromWrongState() {
	s.connect(myo.DefaultMode)

	err := s.mgr.Connect(context.Background(), armband, myo.DefaultMode)
	s.ErrorIs(err, session.ErrInvalidState)
	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.Equal(1, s.link.Dials(), "a rejected connect MUST NOT dial")
}

// GOAL: Any failure during connect releases the partial link
//
// TEST SCENARIO: set-mode write fails → ErrDeviceUnavailable → state Idle → connection closed → mode unchanged
func (s *ManagerTestSuite) TestConnectFailureReleasesLink() {
	s.link.WriteErrs = map[string]error{myo.CommandCharacteristic: errors.New("gatt write rejected")}

	err := s.mgr.Connect(context.Background(), armband, myo.ModeConfig{EMG: myo.EMGFiltered, IMU: myo.IMUData})

	s.ErrorIs(err, session.ErrDeviceUnavailable)
	s.ErrorContains(err, "gatt write rejected")
	s.Equal(session.Idle, s.mgr.State())
	s.True(s.link.Last().Closed(), "partial connection MUST be closed")
	s.Equal(myo.DefaultMode, s.mgr.Mode())
	s.Equal([]session.State{session.Connecting, session.Idle}, s.recordedStates())
}

func (s *ManagerTestSuite) TestDialFailure() {
	s.link.DialErr = device.ErrBluetoothOff

	err := s.mgr.Connect(context.Background(), armband, myo.DefaultMode)
	s.ErrorIs(err, session.ErrDeviceUnavailable)
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.Equal(session.Idle, s.mgr.State())
}

// GOAL: A command arriving while another is in flight is rejected, not queued
//
// TEST SCENARIO: connect held in dial → connect/scan/vibrate rejected busy → dial released → first connect succeeds
func (s *ManagerTestSuite) TestBusyRejection() {
	gate, result := s.startGatedConnect()

	s.ErrorIs(s.mgr.Connect(context.Background(), armband, myo.DefaultMode), session.ErrBusy)
	_, err := s.mgr.Scan(context.Background())
	s.ErrorIs(err, session.ErrBusy)
	s.ErrorIs(s.mgr.Vibrate(context.Background(), "short"), session.ErrBusy)
	s.Equal(session.Connecting, s.mgr.State())

	close(gate)
	s.NoError(<-result, "busy rejections MUST NOT affect the in-flight connect")
	s.Equal(session.Connected, s.mgr.State())
	s.Equal(1, s.link.Dials())
}

// GOAL: Disconnect is always accepted and cancels an in-flight connect
//
// TEST SCENARIO: connect held in dial → disconnect → connect fails canceled → state Idle → nothing left open
func (s *ManagerTestSuite) TestDisconnectCancelsConnect() {
	_, result := s.startGatedConnect()

	s.Require().NoError(s.mgr.Disconnect(context.Background()))

	err := <-result
	s.ErrorIs(err, context.Canceled)
	s.ErrorIs(err, session.ErrDeviceUnavailable)
	s.Equal(session.Idle, s.mgr.State())
	s.Zero(s.link.ActiveConnections(), "a canceled connect MUST NOT leave a link open")
}

func (s *ManagerTestSuite) TestDisconnect() {
	s.Run("while idle is a no-op", func() {
		s.NoError(s.mgr.Disconnect(context.Background()))
		s.Equal(session.Idle, s.mgr.State())
		s.Empty(s.recordedStates())
	})

	s.Run("while connected closes the link", func() {
		conn := s.connect(myo.DefaultMode)
		s.NoError(s.mgr.Disconnect(context.Background()))

		s.Equal(session.Idle, s.mgr.State())
		s.True(conn.Closed())
		writes := conn.CommandWrites()
		s.Equal(myo.NormalSleepCommand(), writes[len(writes)-1], "a requested disconnect MUST restore normal sleep")
		s.Equal([]session.State{session.Connecting, session.Connected, session.Disconnecting, session.Idle}, s.recordedStates())
		s.False(s.mgr.Status(context.Background()).Connected)
	})
}

func (s *ManagerTestSuite) TestUpdateMode() {
	s.Run("while idle is an invalid state", func() {
		before := s.mgr.Mode()

		err := s.mgr.UpdateMode(context.Background(), myo.ModeConfig{EMG: myo.EMGFiltered})
		s.ErrorIs(err, session.ErrInvalidState)
		s.ErrorIs(err, device.ErrNotConnected)
		s.Equal(before, s.mgr.Mode(), "a rejected update MUST leave the mode unchanged")
	})

	s.Run("writes the mode command when connected", func() {
		conn := s.connect(myo.DefaultMode)
		mode := myo.ModeConfig{EMG: myo.EMGFiltered, IMU: myo.IMUEvents}

		s.Require().NoError(s.mgr.UpdateMode(context.Background(), mode))
		writes := conn.CommandWrites()
		s.Equal([]byte{0x01, 0x03, 0x02, 0x02, 0x00}, writes[len(writes)-1])
		s.Equal(mode, s.mgr.Mode())
	})

	s.Run("failure leaves the mode unchanged", func() {
		before := s.mgr.Mode()
		s.link.Last().FailWrites(myo.CommandCharacteristic, errors.New("write failed"))

		err := s.mgr.UpdateMode(context.Background(), myo.ModeConfig{EMG: myo.EMGRaw, IMU: myo.IMURaw})
		s.ErrorIs(err, session.ErrDeviceUnavailable)
		s.Equal(before, s.mgr.Mode())
		s.Equal(session.Connected, s.mgr.State())
	})
}

func (s *ManagerTestSuite) TestVibrate() {
	s.ErrorIs(s.mgr.Vibrate(context.Background(), "long"), session.ErrInvalidState)

	conn := s.connect(myo.DefaultMode)
	s.Require().NoError(s.mgr.Vibrate(context.Background(), "long"))
	s.Require().NoError(s.mgr.Vibrate(context.Background(), "buzz"))

	writes := conn.CommandWrites()
	s.Equal([]byte{0x03, 0x01, 0x03}, writes[len(writes)-2])
	s.Equal([]byte{0x03, 0x01, 0x02}, writes[len(writes)-1], "unknown patterns MUST fall back to medium")
}

func (s *ManagerTestSuite) TestReset() {
	s.ErrorIs(s.mgr.Reset(context.Background()), session.ErrInvalidState)

	conn := s.connect(myo.DefaultMode)
	s.Require().NoError(s.mgr.Reset(context.Background()))

	writes := conn.CommandWrites()
	s.Equal([]byte{0x04, 0x00}, writes[len(writes)-1])
	s.True(conn.Closed())
	s.Equal(session.Idle, s.mgr.State())
}

func (s *ManagerTestSuite) TestScan() {
	found, err := s.mgr.Scan(context.Background())
	s.Require().NoError(err)
	s.Equal([]device.Descriptor{{Name: "Myo", Address: armband, RSSI: -50}}, found)
	s.Equal([]session.State{session.Scanning, session.Idle}, s.recordedStates())

	s.connect(myo.DefaultMode)
	_, err = s.mgr.Scan(context.Background())
	s.ErrorIs(err, session.ErrInvalidState)
}

func (s *ManagerTestSuite) TestScanFailure() {
	s.link.ScanErr = device.ErrBluetoothOff
	_, err := s.mgr.Scan(context.Background())
	s.ErrorIs(err, session.ErrDeviceUnavailable)
	s.Equal(session.Idle, s.mgr.State())
}

// GOAL: Decoded frames reach every sink in arrival order
//
// TEST SCENARIO: two sinks subscribed → raw EMG then IMU notifications → both sinks see the same batches in order
func (s *ManagerTestSuite) TestStreamingDeliversBatchesInOrder() {
	first, second := newBatchCollector(), newBatchCollector()
	s.mgr.Subscribe(first)
	s.mgr.Subscribe(second)
	conn := s.connect(myo.DefaultMode)

	emg := testutils.RawEMGPayload([8]int8{1, 2, 3, 4, 5, 6, 7, 8}, [8]int8{-1, -2, -3, -4, -5, -6, -7, -8})
	imu := testutils.IMUPayload([4]int16{16384, 0, 0, 0}, [3]int16{1, 2, 3}, [3]int16{4, 5, 6})
	s.Require().True(conn.Notify(myo.EMG2Characteristic, emg))
	s.Require().True(conn.Notify(myo.IMUCharacteristic, imu))

	for _, c := range []*batchCollector{first, second} {
		b1, b2 := c.next(s), c.next(s)
		s.Less(b1.Seq, b2.Seq)

		frames := b1.EMG()
		s.Require().Len(frames, 2, "raw EMG MUST yield two samples")
		s.Equal([8]int8{1, 2, 3, 4, 5, 6, 7, 8}, frames[0].Channels)
		s.Equal([8]int8{-1, -2, -3, -4, -5, -6, -7, -8}, frames[1].Channels)

		imuFrames := b2.IMU()
		s.Require().Len(imuFrames, 1)
		s.Equal(&[4]float64{1, 0, 0, 0}, imuFrames[0].Quaternion)
	}
	s.Equal(uint64(3), s.mgr.DecodedFrames(), "two raw EMG samples and one IMU frame MUST be counted")
}

func (s *ManagerTestSuite) TestUnsubscribeStopsDelivery() {
	kept, dropped := newBatchCollector(), newBatchCollector()
	s.mgr.Subscribe(kept)
	unsubscribe := s.mgr.Subscribe(dropped)
	conn := s.connect(myo.DefaultMode)

	unsubscribe()
	unsubscribe()

	s.Require().True(conn.Notify(myo.EMG0Characteristic, make([]byte, 16)))
	kept.next(s)
	s.Empty(dropped.ch)
}

// GOAL: The mode tag is taken when a notification is enqueued, not when it is decoded
//
// TEST SCENARIO: pump held by a slow sink → 16-byte EMG queued under raw → mode switched to filtered → released → queued payload still decodes as two raw samples
func (s *ManagerTestSuite) TestModeSnapshotAtEnqueue() {
	release := make(chan struct{})
	var once sync.Once
	collector := newBatchCollector()
	s.mgr.Subscribe(session.SinkFunc(func(b decoder.Batch) {
		once.Do(func() { <-release })
		collector.Consume(b)
	}))
	conn := s.connect(myo.ModeConfig{EMG: myo.EMGRaw, IMU: myo.IMUNone})

	s.Require().True(conn.Notify(myo.EMG0Characteristic, make([]byte, 16)))
	s.Require().True(conn.Notify(myo.EMG1Characteristic, make([]byte, 16)))
	s.Require().NoError(s.mgr.UpdateMode(context.Background(), myo.ModeConfig{EMG: myo.EMGFiltered, IMU: myo.IMUNone}))
	s.Require().True(conn.Notify(myo.EMG2Characteristic, make([]byte, 8)))
	close(release)

	s.Len(collector.next(s).Frames, 2)
	s.Len(collector.next(s).Frames, 2, "payload queued before the mode change MUST decode with the old mode")
	s.Len(collector.next(s).Frames, 1)
	s.Zero(s.mgr.DecodeErrors())
}

// GOAL: Ingest overflow drops the oldest notifications and is counted
//
// TEST SCENARIO: tiny ring → pump held by a slow sink → 64 notifications → overruns counted → released → fewer batches delivered than sent
func (s *ManagerTestSuite) TestIngestOverflowIsCounted() {
	s.mgr = s.newManager(session.Options{IngestQueueSize: 4})
	release := make(chan struct{})
	var once sync.Once
	collector := newBatchCollector()
	s.mgr.Subscribe(session.SinkFunc(func(b decoder.Batch) {
		once.Do(func() { <-release })
		collector.Consume(b)
	}))
	conn := s.connect(myo.DefaultMode)
	s.Zero(s.mgr.IngestOverruns())

	const sent = 64
	for i := 0; i < sent; i++ {
		s.Require().True(conn.Notify(myo.EMG0Characteristic, make([]byte, 16)))
	}
	s.Positive(s.mgr.IngestOverruns(), "a full ring MUST count overwritten notifications")
	s.Zero(s.mgr.IngestErrors())
	close(release)

	delivered := 0
	s.Eventually(func() bool {
		select {
		case <-collector.ch:
			delivered++
		default:
		}
		return delivered > 0 && len(collector.ch) == 0
	}, time.Second, 5*time.Millisecond, "the pump MUST resume after overflow")
	time.Sleep(20 * time.Millisecond)
	delivered += len(collector.ch)

	s.Less(delivered, sent)
}

func (s *ManagerTestSuite) TestMalformedPayloadKeepsSessionConnected() {
	collector := newBatchCollector()
	s.mgr.Subscribe(collector)
	conn := s.connect(myo.DefaultMode)

	s.Require().True(conn.Notify(myo.EMG0Characteristic, []byte{1, 2, 3}))
	s.Require().True(conn.Notify(myo.EMG0Characteristic, make([]byte, 16)))

	collector.next(s)
	s.Equal(uint64(1), s.mgr.DecodeErrors())
	s.Equal(session.Connected, s.mgr.State())
}

// GOAL: A backend disconnect signal tears the session down
//
// TEST SCENARIO: connected → peripheral drops → state returns to Idle → listeners see Disconnecting then Idle
func (s *ManagerTestSuite) TestLinkLoss() {
	conn := s.connect(myo.DefaultMode)
	conn.Drop()

	s.Eventually(func() bool { return s.mgr.State() == session.Idle }, time.Second, 5*time.Millisecond)
	s.Eventually(func() bool {
		st := s.recordedStates()
		return len(st) == 4 && st[3] == session.Idle
	}, time.Second, 5*time.Millisecond)
	s.True(conn.Closed())

	// The session is reusable after a loss.
	s.connect(myo.DefaultMode)
}

func (s *ManagerTestSuite) TestStatus() {
	s.Run("idle reports disconnected", func() {
		st := s.mgr.Status(context.Background())
		s.False(st.Connected)
		s.Nil(st.Battery)
	})

	s.Run("connected reports battery and device info", func() {
		s.connect(myo.DefaultMode)
		testutils.NewJSONAsserter(s.T()).AssertValue(s.mgr.Status(context.Background()), `{
			"connected": true,
			"address": "AA:BB:CC:DD:EE:01",
			"battery": 80,
			"model": "MYO Black",
			"firmware": "1.5.1970",
			"sku": 1
		}`)
	})

	s.Run("battery falls back to voltage", func() {
		conn := s.link.Last()
		conn.FailReads(myo.BatteryCharacteristic, errors.New("no battery service"))
		volts := make([]byte, 2)
		binary.LittleEndian.PutUint16(volts, 3950)
		conn.SetRead(myo.VoltageCharacteristic, volts)

		st := s.mgr.Status(context.Background())
		s.Require().NotNil(st.Battery)
		s.Equal(50, *st.Battery)
	})

	s.Run("silent link loss tears down", func() {
		s.link.Last().DropSilently()

		s.False(s.mgr.Status(context.Background()).Connected)
		s.Equal(session.Idle, s.mgr.State())
	})
}

func (s *ManagerTestSuite) TestKeepAlive() {
	s.mgr = s.newManager(session.Options{KeepAliveInterval: 10 * time.Millisecond})
	conn := s.connect(myo.DefaultMode)

	s.Eventually(func() bool {
		for _, w := range conn.CommandWrites() {
			if string(w) == string(myo.UserActionCommand()) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "keep-alive MUST send user-action")

	conn.FailWrites(myo.CommandCharacteristic, errors.New("busy radio"))
	time.Sleep(30 * time.Millisecond)
	s.Equal(session.Connected, s.mgr.State(), "keep-alive failures MUST NOT be fatal")
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
