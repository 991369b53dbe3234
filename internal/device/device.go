package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found on the peripheral
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [charUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
	Unavailable      ConnectionState = "device_unavailable"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected      = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected  = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff      = &ConnectionError{State: BluetoothOff}
	ErrDeviceUnavailable = &ConnectionError{State: Unavailable}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks substring case-insensitively. Backends use it to
// map platform error strings onto the sentinels above.
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Descriptor identifies a peripheral found by a scan.
type Descriptor struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// Advertisement is the backend-neutral view of a received advertisement.
type Advertisement interface {
	LocalName() string
	Services() []string // normalized service UUIDs
	ManufacturerData() []byte
	Connectable() bool
	RSSI() int
	Addr() string
}

// Scanner reports advertisements until ctx is done.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Connection is a live GATT link. Characteristic arguments are UUIDs in any
// form accepted by NormalizeUUID.
type Connection interface {
	Address() string
	Write(ctx context.Context, char string, data []byte, withResponse bool) error
	Read(ctx context.Context, char string) ([]byte, error)
	// Subscribe registers handler for notifications on char. Handlers run on
	// the backend's goroutine and must not block.
	Subscribe(char string, handler func([]byte)) error
	// Disconnected is closed when the link drops for any reason.
	Disconnected() <-chan struct{}
	IsConnected() bool
	// Close unsubscribes every characteristic and releases the link. Safe to call twice.
	Close() error
}

// Link is a BLE central able to scan and dial.
type Link interface {
	Scanner
	Dial(ctx context.Context, address string) (Connection, error)
}
