// Package tinyble implements device.Link on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS).
package tinyble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/groutine"
	"github.com/srg/myoscope/internal/myo"
	"tinygo.org/x/bluetooth"
)

// stopScanRetry paces StopScan while a cancelled scan has yet to start.
const stopScanRetry = 20 * time.Millisecond

// adapter is the part of *bluetooth.Adapter the link uses.
type adapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
}

// Link is a tinygo bluetooth central. Addresses are only dialable after a
// scan has seen them, since macOS identifies peripherals by opaque UUIDs.
type Link struct {
	adapter adapter
	logger  *logrus.Logger

	enableOnce sync.Once
	enableErr  error

	mu      sync.Mutex
	seen    map[string]bluetooth.Address
	current *Connection
}

// NewLink wraps the default adapter.
func NewLink(logger *logrus.Logger) *Link {
	return newLink(bluetooth.DefaultAdapter, logger)
}

func newLink(a adapter, logger *logrus.Logger) *Link {
	l := &Link{
		adapter: a,
		logger:  logger,
		seen:    make(map[string]bluetooth.Address),
	}
	l.adapter.SetConnectHandler(l.onConnectEvent)
	return l
}

func (l *Link) enable() error {
	l.enableOnce.Do(func() {
		if err := l.adapter.Enable(); err != nil {
			l.enableErr = fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
		}
	})
	return l.enableErr
}

func (l *Link) onConnectEvent(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	l.mu.Lock()
	conn := l.current
	l.mu.Unlock()
	if conn != nil && conn.address == dev.Address.String() {
		l.logger.WithField("address", conn.address).Warn("Adapter reported disconnection")
		conn.markDisconnected()
	}
}

// Scan runs an adapter scan until ctx is done. tinygo reports duplicates
// unconditionally, so allowDup is honoured by filtering here.
//
// StopScan is a no-op until the adapter scan is running, so a cancellation
// that lands early keeps stopping until the scan returns.
func (l *Link) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if err := l.enable(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	reported := make(map[string]struct{})
	var reportedMu sync.Mutex
	onResult := func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		l.mu.Lock()
		l.seen[addr] = result.Address
		l.mu.Unlock()

		if !allowDup {
			reportedMu.Lock()
			_, dup := reported[addr]
			reported[addr] = struct{}{}
			reportedMu.Unlock()
			if dup {
				return
			}
		}
		handler(newAdvertisement(result))
	}

	done := make(chan error, 1)
	groutine.Go(ctx, "tinyble-scan", func(context.Context) {
		done <- l.adapter.Scan(onResult)
	})

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	ticker := time.NewTicker(stopScanRetry)
	defer ticker.Stop()
	for {
		if err := l.adapter.StopScan(); err != nil {
			l.logger.WithField("error", err).Debug("StopScan failed")
		}
		select {
		case <-done:
			return nil
		case <-ticker.C:
		}
	}
}

// Dial connects to a previously scanned address and discovers characteristics.
func (l *Link) Dial(ctx context.Context, address string) (device.Connection, error) {
	if err := l.enable(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	addr, ok := l.seen[address]
	l.mu.Unlock()
	if !ok {
		return nil, &device.ConnectionError{State: device.Unavailable, Msg: fmt.Sprintf("address %s has not been seen by a scan", address)}
	}

	type dialResult struct {
		dev bluetooth.Device
		err error
	}
	resultCh := make(chan dialResult, 1)
	groutine.Go(ctx, "tinyble-dial", func(context.Context) {
		dev, err := l.adapter.Connect(addr, bluetooth.ConnectionParams{})
		resultCh <- dialResult{dev: dev, err: err}
	})

	var dev bluetooth.Device
	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, r.err)
		}
		dev = r.dev
	case <-ctx.Done():
		// The adapter has no cancellable connect; release the link if it lands late.
		groutine.Go(context.Background(), "tinyble-late-dial-release", func(context.Context) {
			if r := <-resultCh; r.err == nil {
				_ = r.dev.Disconnect()
			}
		})
		return nil, ctx.Err()
	}

	conn, err := newConnection(address, dev, l.logger)
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	l.mu.Lock()
	l.current = conn
	l.mu.Unlock()
	return conn, nil
}

type advertisement struct {
	result bluetooth.ScanResult
}

var myoControlService = mustParseUUID(device.ExpandUUID(myo.ControlService))

func newAdvertisement(r bluetooth.ScanResult) device.Advertisement {
	return &advertisement{result: r}
}

func (a *advertisement) LocalName() string { return a.result.LocalName() }
func (a *advertisement) Connectable() bool { return true }
func (a *advertisement) RSSI() int         { return int(a.result.RSSI) }
func (a *advertisement) Addr() string      { return a.result.Address.String() }

func (a *advertisement) ManufacturerData() []byte {
	var out []byte
	for _, m := range a.result.ManufacturerData() {
		out = append(out, byte(m.CompanyID), byte(m.CompanyID>>8))
		out = append(out, m.Data...)
	}
	return out
}

// Services only reports the Myo control service; tinygo exposes service
// membership checks rather than the advertised list.
func (a *advertisement) Services() []string {
	if a.result.HasServiceUUID(myoControlService) {
		return []string{myo.ControlService}
	}
	return nil
}

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
