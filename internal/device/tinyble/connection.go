package tinyble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/groutine"
	"tinygo.org/x/bluetooth"
)

const (
	readBufferSize     = 64
	defaultReadTimeout = 5 * time.Second
)

// Connection is a connected tinygo device with characteristics keyed by normalized UUID.
type Connection struct {
	address string
	dev     bluetooth.Device
	logger  *logrus.Logger

	mu         sync.RWMutex
	writeMu    sync.Mutex
	chars      map[string]*bluetooth.DeviceCharacteristic
	subscribed []*bluetooth.DeviceCharacteristic
	closed     bool

	disconnected chan struct{}
	closeOnce    sync.Once
}

func newConnection(address string, dev bluetooth.Device, logger *logrus.Logger) (*Connection, error) {
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	c := &Connection{
		address:      address,
		dev:          dev,
		logger:       logger,
		chars:        make(map[string]*bluetooth.DeviceCharacteristic),
		disconnected: make(chan struct{}),
	}
	for i := range services {
		chars, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"service": services[i].UUID().String(),
				"error":   err,
			}).Debug("Skipping service with undiscoverable characteristics")
			continue
		}
		for j := range chars {
			ch := chars[j]
			c.chars[device.NormalizeUUID(ch.UUID().String())] = &ch
		}
	}
	logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(c.chars),
	}).Info("BLE device connected")
	return c, nil
}

func (c *Connection) Address() string { return c.address }

func (c *Connection) Disconnected() <-chan struct{} { return c.disconnected }

func (c *Connection) markDisconnected() {
	c.closeOnce.Do(func() { close(c.disconnected) })
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case <-c.disconnected:
		return false
	default:
		return true
	}
}

func (c *Connection) characteristic(uuid string) (*bluetooth.DeviceCharacteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, device.ErrNotConnected
	}
	ch, ok := c.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.NormalizeUUID(uuid)}}
	}
	return ch, nil
}

func (c *Connection) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if withResponse {
		_, err = ch.Write(data)
	} else {
		_, err = ch.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", device.ShortenUUID(device.NormalizeUUID(uuid)), err)
	}
	return nil
}

func (c *Connection) Read(ctx context.Context, uuid string) ([]byte, error) {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultReadTimeout)
		defer cancel()
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	groutine.Go(ctx, "tinyble-read", func(context.Context) {
		buf := make([]byte, readBufferSize)
		n, err := ch.Read(buf)
		resultCh <- readResult{data: buf[:n], err: err}
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", device.ShortenUUID(device.NormalizeUUID(uuid)), r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w reading characteristic %s: %v", device.ErrTimeout, device.ShortenUUID(device.NormalizeUUID(uuid)), ctx.Err())
	}
}

func (c *Connection) Subscribe(uuid string, handler func([]byte)) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	err = ch.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		handler(data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(device.NormalizeUUID(uuid)), err)
	}
	c.mu.Lock()
	c.subscribed = append(c.subscribed, ch)
	c.mu.Unlock()
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscribed
	c.subscribed = nil
	c.mu.Unlock()

	for _, ch := range subs {
		if err := ch.EnableNotifications(nil); err != nil {
			c.logger.WithField("error", err).Debug("Failed to disable notifications")
		}
	}
	err := c.dev.Disconnect()
	c.markDisconnected()
	if err != nil {
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return err
	}
	c.logger.WithField("address", c.address).Info("BLE device disconnected successfully")
	return nil
}
