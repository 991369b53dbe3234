// Package goble implements device.Link on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// DefaultReadTimeout bounds characteristic reads when the caller's context has no deadline.
const DefaultReadTimeout = 5 * time.Second

// Link is a go-ble central. The platform device is created lazily and shared
// between scanning and dialing.
type Link struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewLink creates a go-ble backed link.
func NewLink(logger *logrus.Logger) *Link {
	return &Link{logger: logger}
}

func (l *Link) device() (ble.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev != nil {
		return l.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		l.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	l.dev = dev
	return dev, nil
}

// Scan reports advertisements until ctx is done. A context deadline is a
// normal end of scan, not an error.
func (l *Link) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := l.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return NormalizeError(err)
}

// Dial connects to address and discovers its GATT profile.
func (l *Link) Dial(ctx context.Context, address string) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	dev, err := l.device()
	if err != nil {
		return nil, err
	}

	l.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	l.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			l.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	conn := newConnection(address, client, profile, l.logger)
	l.logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(conn.chars),
	}).Info("BLE device connected")
	return conn, nil
}
