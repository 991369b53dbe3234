// Package session owns the single live connection to a Myo armband.
//
// The Manager is the only writer to the device. Every command except
// Disconnect and Status takes one operation slot; a second command arriving
// while the slot is held fails fast with ErrBusy instead of queueing behind
// a possibly stuck BLE call. Disconnect is always accepted: it cancels the
// in-flight operation, waits for it to let go, then tears the link down.
//
// Notifications flow from backend callbacks into an overlapped ring, tagged
// with the mode in effect at arrival. One pump goroutine decodes them in
// order and hands each Batch to every subscribed Sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/decoder"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/groutine"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/scanner"
)

// Options tunes a Manager. Zero fields take the defaults in the tags.
type Options struct {
	Logger *logrus.Logger

	ScanTimeout       time.Duration `default:"4s"`
	ConnectTimeout    time.Duration `default:"15s"`
	CommandTimeout    time.Duration `default:"5s"`
	KeepAliveInterval time.Duration `default:"60s"`
	IngestQueueSize   uint32        `default:"1024"`

	// Clock stamps notifications on arrival.
	Clock func() time.Time
}

// Sink receives decoded batches from the pump goroutine, in arrival order.
// Consume must not block.
type Sink interface {
	Consume(decoder.Batch)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(decoder.Batch)

func (f SinkFunc) Consume(b decoder.Batch) { f(b) }

type sinkEntry struct {
	id   uint64
	sink Sink
}

type operation struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager drives one armband session.
type Manager struct {
	link   device.Link
	opts   Options
	logger *logrus.Logger
	dec    decoder.Decoder
	seq    atomic.Uint64
	mode   atomic.Pointer[myo.ModeConfig]

	mu       sync.Mutex
	state    State
	op       *operation
	conn     device.Connection
	address  string
	info     myo.DeviceInfo
	ingest   *ingestQueue
	workers  *groutine.Group
	stopConn context.CancelFunc

	sinkMu   sync.Mutex
	sinks    atomic.Pointer[[]sinkEntry]
	nextSink uint64

	listenerMu sync.RWMutex
	listeners  []func(State)
}

// New creates an Idle manager on top of link.
func New(link device.Link, opts Options) *Manager {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	m := &Manager{
		link:   link,
		opts:   opts,
		logger: opts.Logger,
	}
	mode := myo.DefaultMode
	m.mode.Store(&mode)
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the mode last acknowledged by the armband.
func (m *Manager) Mode() myo.ModeConfig {
	return *m.mode.Load()
}

// Info returns the device information read during connect.
func (m *Manager) Info() myo.DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// DecodedFrames counts frames produced by the decoder.
func (m *Manager) DecodedFrames() uint64 {
	return m.dec.Decoded()
}

// DecodeErrors counts notifications dropped as malformed.
func (m *Manager) DecodeErrors() uint64 {
	return m.dec.Errors()
}

// IngestOverruns counts notifications overwritten before the pump reached them.
func (m *Manager) IngestOverruns() uint64 {
	m.mu.Lock()
	q := m.ingest
	m.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.overruns.Load()
}

// IngestErrors counts notifications the ingest ring refused.
func (m *Manager) IngestErrors() uint64 {
	m.mu.Lock()
	q := m.ingest
	m.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.errors.Load()
}

// OnStateChange registers fn to run after every state transition. Listeners
// run on the goroutine that made the transition and must not block.
func (m *Manager) OnStateChange(fn func(State)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Subscribe adds a sink after the ones already registered. The returned
// function removes it and is safe to call more than once.
func (m *Manager) Subscribe(s Sink) (unsubscribe func()) {
	m.sinkMu.Lock()
	m.nextSink++
	id := m.nextSink
	next := append(m.currentSinks(), sinkEntry{id: id, sink: s})
	m.sinks.Store(&next)
	m.sinkMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.sinkMu.Lock()
			defer m.sinkMu.Unlock()
			next := slices.DeleteFunc(m.currentSinks(), func(e sinkEntry) bool { return e.id == id })
			m.sinks.Store(&next)
		})
	}
}

// currentSinks returns a private copy of the sink list.
func (m *Manager) currentSinks() []sinkEntry {
	if cur := m.sinks.Load(); cur != nil {
		return slices.Clone(*cur)
	}
	return nil
}

// Scan looks for armbands for the configured scan timeout.
func (m *Manager) Scan(ctx context.Context) ([]device.Descriptor, error) {
	opCtx, op, err := m.begin(ctx, "scan", Scanning, Idle)
	if err != nil {
		return nil, err
	}
	defer m.end(op, Idle)

	sc, err := scanner.NewScanner(m.link, m.logger)
	if err != nil {
		return nil, unavailable("scan", err)
	}
	found, err := sc.Scan(opCtx, &scanner.ScanOptions{Duration: m.opts.ScanTimeout, DuplicateFilter: true}, nil)
	if err != nil {
		return nil, unavailable("scan", err)
	}
	return found, nil
}

// Connect dials address, configures mode and starts streaming.
func (m *Manager) Connect(ctx context.Context, address string, mode myo.ModeConfig) error {
	opCtx, op, err := m.begin(ctx, "connect", Connecting, Idle)
	if err != nil {
		return err
	}

	final := Idle
	defer func() { m.end(op, final) }()

	if err := m.connect(opCtx, address, mode); err != nil {
		m.logger.WithError(err).WithField("address", address).Warn("Connect failed")
		return err
	}
	final = Connected
	return nil
}

func (m *Manager) connect(ctx context.Context, address string, mode myo.ModeConfig) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	logger := m.logger.WithFields(logrus.Fields{"address": address, "mode": mode.String()})
	logger.Info("Connecting to armband...")

	conn, err := m.link.Dial(ctx, address)
	if err != nil {
		return unavailable("dial", err)
	}

	connCtx, stop := context.WithCancel(context.Background())
	workers := &groutine.Group{}
	ingest := newIngestQueue(m.opts.IngestQueueSize, func() {
		logger.WithField("capacity", m.opts.IngestQueueSize).Warn("Ingest queue overflowed, oldest notifications are being dropped")
	})
	prevMode := m.mode.Load()
	defer func() {
		if err == nil {
			return
		}
		stop()
		if cerr := conn.Close(); cerr != nil {
			logger.WithError(cerr).Debug("Releasing partial connection failed")
		}
		workers.Wait()
		m.mode.Store(prevMode)
	}()

	if err = conn.Write(ctx, myo.CommandCharacteristic, myo.NeverSleepCommand(), true); err != nil {
		return unavailable("enable never-sleep", err)
	}
	if err = conn.Write(ctx, myo.CommandCharacteristic, myo.SetModeCommand(mode), true); err != nil {
		return unavailable("set mode", err)
	}
	m.mode.Store(&mode)

	workers.Go(connCtx, "myo-ingest-pump", func(ctx context.Context) {
		ingest.run(ctx, m.dispatch)
	})
	for _, char := range myo.StreamCharacteristics {
		if err = conn.Subscribe(char, m.notificationHandler(ingest, char)); err != nil {
			return unavailable("subscribe "+char, err)
		}
	}

	info := m.readInfo(ctx, conn, logger)

	if err = ctx.Err(); err != nil {
		return unavailable("connect aborted", err)
	}

	workers.Go(connCtx, "myo-keep-alive", func(ctx context.Context) {
		m.keepAlive(ctx, conn)
	})

	m.mu.Lock()
	m.conn = conn
	m.address = address
	m.info = info
	m.ingest = ingest
	m.workers = workers
	m.stopConn = stop
	m.mu.Unlock()

	groutine.Go(connCtx, "myo-link-watcher", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-conn.Disconnected():
			m.logger.WithField("address", address).Warn("Armband link dropped")
			if err := m.shutdown(context.Background(), ErrLinkLost, conn); err != nil {
				m.logger.WithError(err).Error("Teardown after link loss failed")
			}
		}
	})

	logger.WithFields(logrus.Fields{
		"firmware": deref(info.Firmware),
		"sku":      info.SKU,
	}).Info("Armband connected")
	return nil
}

// readInfo reads the info and firmware characteristics. Older firmware may
// lack either, so failures only leave fields unset.
func (m *Manager) readInfo(ctx context.Context, conn device.Connection, logger *logrus.Entry) myo.DeviceInfo {
	var info myo.DeviceInfo

	if data, err := conn.Read(ctx, myo.InfoCharacteristic); err != nil {
		logger.WithError(err).Debug("Info characteristic unavailable")
	} else if sku, ok := myo.ParseSKU(data); ok {
		info.SKU = &sku
	}

	if data, err := conn.Read(ctx, myo.FirmwareCharacteristic); err != nil {
		logger.WithError(err).Debug("Firmware characteristic unavailable")
	} else if fw, ok := myo.ParseFirmware(data); ok {
		info.Firmware = &fw
	}
	return info
}

// notificationHandler runs on backend goroutines. It copies the payload,
// stamps it with the current mode and returns without blocking.
func (m *Manager) notificationHandler(q *ingestQueue, char string) func([]byte) {
	char = device.NormalizeUUID(char)
	return func(data []byte) {
		q.push(decoder.Notification{
			Characteristic: char,
			Payload:        append([]byte(nil), data...),
			Mode:           *m.mode.Load(),
			Received:       m.opts.Clock(),
		})
	}
}

func (m *Manager) dispatch(n decoder.Notification) {
	frames, err := m.dec.Decode(n)
	if err != nil {
		m.logger.WithError(err).Debug("Dropped malformed notification")
		return
	}
	if len(frames) == 0 {
		return
	}

	batch := decoder.Batch{Seq: m.seq.Add(1), Frames: frames}
	sinks := m.sinks.Load()
	if sinks == nil {
		return
	}
	for _, e := range *sinks {
		e.sink.Consume(batch)
	}
}

func (m *Manager) keepAlive(ctx context.Context, conn device.Connection) {
	ticker := time.NewTicker(m.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
			if err := conn.Write(wctx, myo.CommandCharacteristic, myo.NeverSleepCommand(), false); err != nil {
				m.logger.WithError(err).Warn("Keep-alive never-sleep write failed")
			}
			if err := conn.Write(wctx, myo.CommandCharacteristic, myo.UserActionCommand(), false); err != nil {
				m.logger.WithError(err).Warn("Keep-alive user-action write failed")
			}
			cancel()
		}
	}
}

// Disconnect tears the session down. It is accepted in every state and
// cancels any operation in flight. Disconnect while Idle is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.shutdown(ctx, nil, nil)
}

// Reset puts the armband into deep sleep and disconnects.
func (m *Manager) Reset(ctx context.Context) error {
	opCtx, op, err := m.begin(ctx, "reset", Connected, Connected)
	if err != nil {
		return err
	}

	conn := m.connection()
	if err := conn.Write(opCtx, myo.CommandCharacteristic, myo.DeepSleepCommand(), true); err != nil {
		// The armband often drops the link before acknowledging.
		m.logger.WithError(err).Debug("Deep sleep write not acknowledged")
	}

	m.transition(Disconnecting)
	m.teardown(nil)
	m.end(op, Idle)
	return nil
}

// Vibrate plays a built-in pattern. Unknown names play medium.
func (m *Manager) Vibrate(ctx context.Context, pattern string) error {
	opCtx, op, err := m.begin(ctx, "vibrate", Connected, Connected)
	if err != nil {
		return err
	}
	defer m.end(op, Connected)

	p := myo.ParseVibration(pattern)
	if err := m.connection().Write(opCtx, myo.CommandCharacteristic, myo.VibrateCommand(p), true); err != nil {
		return unavailable("vibrate "+p.String(), err)
	}
	return nil
}

// UpdateMode reconfigures streaming. The new mode applies to notifications
// that arrive after the armband acknowledges it; on failure Mode is unchanged.
func (m *Manager) UpdateMode(ctx context.Context, mode myo.ModeConfig) error {
	opCtx, op, err := m.begin(ctx, "update-mode", Connected, Connected)
	if err != nil {
		return err
	}
	defer m.end(op, Connected)

	if err := m.connection().Write(opCtx, myo.CommandCharacteristic, myo.SetModeCommand(mode), true); err != nil {
		return unavailable("set mode", err)
	}
	m.mode.Store(&mode)
	m.logger.WithField("mode", mode.String()).Info("Streaming mode updated")
	return nil
}

// Status reports the connection and, when connected, battery and device
// information. It never waits for the operation slot. A link that went
// away without a disconnect event is torn down here.
func (m *Manager) Status(ctx context.Context) myo.Status {
	m.mu.Lock()
	state, conn, address, info := m.state, m.conn, m.address, m.info
	m.mu.Unlock()

	if state != Connected || conn == nil {
		return myo.Status{Connected: false}
	}
	if !conn.IsConnected() {
		m.logger.WithField("address", address).Warn("Armband link lost silently")
		if err := m.shutdown(ctx, ErrLinkLost, conn); err != nil {
			m.logger.WithError(err).Error("Teardown after silent link loss failed")
		}
		return myo.Status{Connected: false}
	}

	st := myo.Status{
		Connected: true,
		Address:   address,
		Firmware:  info.Firmware,
		SKU:       info.SKU,
		Battery:   m.readBattery(ctx, conn),
	}
	if info.SKU != nil {
		model := myo.ModelName(*info.SKU)
		st.Model = &model
	}
	return st
}

// readBattery tries the standard battery level first and falls back to the
// voltage characteristic.
func (m *Manager) readBattery(ctx context.Context, conn device.Connection) *int {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()

	data, err := conn.Read(ctx, myo.BatteryCharacteristic)
	if err == nil {
		if pct, ok := myo.ParseBatteryLevel(data); ok {
			return &pct
		}
	}
	m.logger.WithError(err).Debug("Battery level unavailable, trying voltage")

	data, err = conn.Read(ctx, myo.VoltageCharacteristic)
	if err != nil {
		m.logger.WithError(err).Debug("Voltage unavailable")
		return nil
	}
	if pct, ok := myo.BatteryFromVoltage(data); ok {
		return &pct
	}
	return nil
}

// begin claims the operation slot if the session is in one of the from
// states and moves it to next.
func (m *Manager) begin(ctx context.Context, name string, next State, from ...State) (context.Context, *operation, error) {
	m.mu.Lock()
	if m.op != nil {
		busy := m.op.name
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s in progress", ErrBusy, busy)
	}
	if !slices.Contains(from, m.state) {
		err := m.stateError(name)
		m.mu.Unlock()
		return nil, nil, err
	}

	opCtx, cancel := context.WithCancel(ctx)
	op := &operation{name: name, cancel: cancel, done: make(chan struct{})}
	m.op = op
	changed := m.setStateLocked(next)
	m.mu.Unlock()

	if changed {
		m.notify(next)
	}
	return opCtx, op, nil
}

// end releases the slot and settles the state.
func (m *Manager) end(op *operation, final State) {
	m.mu.Lock()
	if m.op == op {
		m.op = nil
	}
	changed := m.setStateLocked(final)
	m.mu.Unlock()

	op.cancel()
	close(op.done)
	if changed {
		m.notify(final)
	}
}

func (m *Manager) stateError(op string) error {
	switch m.state {
	case Idle:
		return fmt.Errorf("%w: %s while %s: %w", ErrInvalidState, op, m.state, device.ErrNotConnected)
	case Connected:
		return fmt.Errorf("%w: %s while %s: %w", ErrInvalidState, op, m.state, device.ErrAlreadyConnected)
	default:
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, m.state)
	}
}

// shutdown cancels any in-flight operation, then tears down the link if the
// session is still Connected. When expect is set the teardown only happens
// if it is still the live connection.
func (m *Manager) shutdown(ctx context.Context, cause error, expect device.Connection) error {
	for {
		m.mu.Lock()
		op := m.op
		if op == nil {
			break
		}
		m.mu.Unlock()

		op.cancel()
		select {
		case <-op.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// m.mu is held and the slot is free.
	if m.state != Connected || (expect != nil && m.conn != expect) {
		m.mu.Unlock()
		return nil
	}
	op := &operation{name: "disconnect", cancel: func() {}, done: make(chan struct{})}
	m.op = op
	m.setStateLocked(Disconnecting)
	m.mu.Unlock()
	m.notify(Disconnecting)

	if cause == nil {
		m.restoreSleep()
	}
	m.teardown(cause)
	m.end(op, Idle)
	return nil
}

// restoreSleep hands sleep control back to the armband before a requested
// disconnect. A link that is already gone is left alone.
func (m *Manager) restoreSleep() {
	conn := m.connection()
	if conn == nil || !conn.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CommandTimeout)
	defer cancel()
	if err := conn.Write(ctx, myo.CommandCharacteristic, myo.NormalSleepCommand(), true); err != nil {
		m.logger.WithError(err).Debug("Normal sleep write not acknowledged")
	}
}

// teardown releases the link. The caller holds the operation slot.
func (m *Manager) teardown(cause error) {
	m.mu.Lock()
	conn, stop, workers, address := m.conn, m.stopConn, m.workers, m.address
	m.conn, m.stopConn, m.workers = nil, nil, nil
	m.info = myo.DeviceInfo{}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, device.ErrNotConnected) {
			m.logger.WithError(err).Warn("Closing armband connection failed")
		}
	}
	if workers != nil {
		workers.Wait()
	}

	logger := m.logger.WithField("address", address)
	if cause != nil {
		logger.WithError(cause).Warn("Session ended")
	} else {
		logger.Info("Disconnected")
	}
}

func (m *Manager) connection() device.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *Manager) transition(s State) {
	m.mu.Lock()
	changed := m.setStateLocked(s)
	m.mu.Unlock()
	if changed {
		m.notify(s)
	}
}

func (m *Manager) setStateLocked(s State) bool {
	if m.state == s {
		return false
	}
	m.logger.WithFields(logrus.Fields{"from": m.state.String(), "to": s.String()}).Debug("Session state change")
	m.state = s
	return true
}

func (m *Manager) notify(s State) {
	m.listenerMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func unavailable(step string, err error) error {
	if errors.Is(err, ErrDeviceUnavailable) {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, step, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
