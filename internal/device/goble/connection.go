package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/groutine"
)

// Connection is a live go-ble client with its characteristics indexed by
// normalized UUID.
type Connection struct {
	address string
	client  ble.Client
	logger  *logrus.Logger

	chars map[string]*ble.Characteristic

	writeMutex sync.Mutex
	connMutex  sync.RWMutex
	subscribed []*ble.Characteristic
	closed     bool

	disconnected chan struct{}
	closeOnce    sync.Once
}

func newConnection(address string, client ble.Client, profile *ble.Profile, logger *logrus.Logger) *Connection {
	c := &Connection{
		address:      address,
		client:       client,
		logger:       logger,
		chars:        make(map[string]*ble.Characteristic),
		disconnected: make(chan struct{}),
	}
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			c.chars[device.NormalizeUUID(ch.UUID.String())] = ch
		}
	}

	// go-ble clients expose Disconnected() on darwin and linux; keep the
	// assertion so a client without it still works.
	if watcher, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "goble-disconnect-watch", func(ctx context.Context) {
			select {
			case <-watcher.Disconnected():
				c.logger.WithField("address", address).Warn("BLE stack reported disconnection")
				c.markDisconnected()
			case <-c.disconnected:
			}
		})
	} else {
		c.logger.Debug("Client does not support Disconnected() channel")
	}
	return c
}

func (c *Connection) Address() string { return c.address }

func (c *Connection) Disconnected() <-chan struct{} { return c.disconnected }

func (c *Connection) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
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

func (c *Connection) markDisconnected() {
	c.closeOnce.Do(func() { close(c.disconnected) })
}

func (c *Connection) characteristic(uuid string) (*ble.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	if c.closed {
		return nil, device.ErrNotConnected
	}
	ch, ok := c.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.NormalizeUUID(uuid)}}
	}
	return ch, nil
}

// Write serializes writes on the link. go-ble does not bound writes with a
// context, so ctx is only checked up front.
func (c *Connection) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := NormalizeError(c.client.WriteCharacteristic(ch, data, !withResponse)); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", device.ShortenUUID(device.NormalizeUUID(uuid)), err)
	}
	return nil
}

type readResult struct {
	data []byte
	err  error
}

// Read runs the blocking go-ble read in a goroutine so ctx can bound it.
func (c *Connection) Read(ctx context.Context, uuid string) ([]byte, error) {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultReadTimeout)
		defer cancel()
	}

	resultCh := make(chan readResult, 1)
	groutine.Go(ctx, "goble-read", func(context.Context) {
		data, err := c.client.ReadCharacteristic(ch)
		resultCh <- readResult{data: data, err: err}
	})

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", device.ShortenUUID(device.NormalizeUUID(uuid)), NormalizeError(result.err))
		}
		return result.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w reading characteristic %s: %v", device.ErrTimeout, device.ShortenUUID(device.NormalizeUUID(uuid)), ctx.Err())
	}
}

// Subscribe enables notifications on uuid. handler receives a private copy of each payload.
func (c *Connection) Subscribe(uuid string, handler func([]byte)) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	if ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate == 0 {
		return fmt.Errorf("characteristic %s does not support notifications: %w", device.ShortenUUID(device.NormalizeUUID(uuid)), device.ErrUnsupported)
	}
	indicate := ch.Property&ble.CharNotify == 0
	err = NormalizeError(c.client.Subscribe(ch, indicate, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	}))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"charUUID": device.NormalizeUUID(uuid),
			"error":    err,
		}).Error("Failed to subscribe to characteristic notifications")
		return fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(device.NormalizeUUID(uuid)), err)
	}

	c.connMutex.Lock()
	c.subscribed = append(c.subscribed, ch)
	c.connMutex.Unlock()
	c.logger.WithField("charUUID", device.NormalizeUUID(uuid)).Debug("Subscribed to characteristic notifications")
	return nil
}

// Close unsubscribes every characteristic and cancels the connection.
func (c *Connection) Close() error {
	c.connMutex.Lock()
	if c.closed {
		c.connMutex.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscribed
	c.subscribed = nil
	c.connMutex.Unlock()

	var unsubscribeErrors []string
	for _, ch := range subs {
		indicate := ch.Property&ble.CharNotify == 0
		if err := NormalizeError(c.client.Unsubscribe(ch, indicate)); err != nil {
			unsubscribeErrors = append(unsubscribeErrors, fmt.Sprintf("%s: %v", device.ShortenUUID(device.NormalizeUUID(ch.UUID.String())), err))
		}
	}
	if len(unsubscribeErrors) > 0 {
		c.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	err := c.client.CancelConnection()
	c.markDisconnected()
	if err != nil {
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	c.logger.WithField("address", c.address).Info("BLE device disconnected successfully")
	return nil
}
