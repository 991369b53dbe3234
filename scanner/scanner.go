package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the armband was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type       DeviceEventType
	Descriptor device.Descriptor
}

// Scanner handles Myo armband discovery
type Scanner struct {
	scanner device.Scanner
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
}

// scanRun is the state of one Scan call. Backend callbacks hold it directly,
// so a late callback from an earlier scan never touches a newer one.
type scanRun struct {
	opts    *ScanOptions
	devices *hashmap.Map[string, device.Descriptor]
	closed  atomic.Bool
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// AllowNonMyo disables the name and service prefix filter.
	AllowNonMyo bool
	BlockList   []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        4 * time.Second,
		DuplicateFilter: true,
	}
}

// NewScanner creates a scanner on top of a BLE central
func NewScanner(s device.Scanner, logger *logrus.Logger) (*Scanner, error) {
	if s == nil {
		return nil, fmt.Errorf("scanner: nil BLE central")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		scanner: s,
		events:  ringchan.New[DeviceEvent](100),
		logger:  logger,
	}, nil
}

// Scan performs discovery for opts.Duration and returns the armbands found,
// strongest signal first.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]device.Descriptor, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting Myo scan...")
	progressCallback("Scanning")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	run := &scanRun{opts: opts, devices: hashmap.New[string, device.Descriptor]()}
	err := s.scanner.Scan(scanCtx, !opts.DuplicateFilter, func(adv device.Advertisement) {
		s.handleAdvertisement(run, adv)
	})
	run.closed.Store(true)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	// The caller abandoning the scan is not a timeout.
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}

	s.logger.WithField("device_count", run.devices.Len()).Info("Myo scan completed")
	progressCallback("Processing results")

	return makeDeviceList(run.devices), nil
}

// handleAdvertisement updates existing or adds a new armband. Callbacks that
// arrive after their scan returned are dropped.
func (s *Scanner) handleAdvertisement(run *scanRun, adv device.Advertisement) {
	if run.closed.Load() {
		return
	}
	addr := adv.Addr()

	desc := device.Descriptor{
		Name:    adv.LocalName(),
		Address: addr,
		RSSI:    adv.RSSI(),
	}

	prev, existing := run.devices.Get(addr)
	if !existing {
		if !s.shouldIncludeDevice(adv, run.opts) {
			return
		}
		if desc.Name == "" {
			desc.Name = myo.DefaultName
		}
		run.devices.Set(addr, desc)
		s.logger.WithFields(logrus.Fields{
			"device":  desc.Name,
			"address": desc.Address,
			"rssi":    desc.RSSI,
		}).Info("Discovered new armband")
		s.events.ForceSend(DeviceEvent{Type: EventNew, Descriptor: desc})
		return
	}

	// Later advertisements may carry a scan response name the first one lacked.
	if desc.Name == "" || desc.Name == myo.DefaultName {
		desc.Name = prev.Name
	}
	run.devices.Set(addr, desc)
	s.events.ForceSend(DeviceEvent{Type: EventUpdated, Descriptor: desc})
}

// shouldIncludeDevice applies the block list and the Myo filter
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if opts.AllowNonMyo {
		return true
	}
	return IsMyo(adv)
}

// IsMyo reports whether an advertisement looks like a Myo armband: the local
// name mentions "myo" or a service UUID carries the Myo prefix.
func IsMyo(adv device.Advertisement) bool {
	if device.ContainsIgnoreCase(adv.LocalName(), "myo") {
		return true
	}
	for _, svc := range adv.Services() {
		if myo.IsMyoService(device.NormalizeUUID(svc)) {
			return true
		}
	}
	return false
}

// makeDeviceList returns a snapshot of discovered armbands sorted by RSSI, strongest first
func makeDeviceList(devices *hashmap.Map[string, device.Descriptor]) []device.Descriptor {
	devs := make([]device.Descriptor, 0, devices.Len())

	devices.Range(func(_ string, value device.Descriptor) bool {
		devs = append(devs, value)
		return true
	})

	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].Address < devs[j].Address
	})
	return devs
}

// Events return a read-only channel of discovery events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
