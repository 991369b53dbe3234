package testutils

import (
	"context"
	"sync"

	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/myo"
)

// FakeLink is a simulated BLE central with a single Myo in range.
//
// Dial blocks on DialGate when it is set, so tests can hold a connect in
// flight and cancel it. Every successful dial produces a new FakeConnection.
type FakeLink struct {
	mu sync.Mutex

	Adverts  []device.Advertisement
	ScanErr  error
	DialErr  error
	DialGate chan struct{}
	// Reads seeds every new connection's readable characteristics.
	Reads map[string][]byte
	// WriteErrs seeds every new connection's failing writes.
	WriteErrs map[string]error

	dials       int
	connections []*FakeConnection
	dialStarted chan struct{}
}

// NewFakeLink returns a link whose connections answer info, firmware and
// battery reads like a MYO Black on firmware 1.5.1970 at 80%.
func NewFakeLink() *FakeLink {
	info := make([]byte, 20)
	info[12] = 1
	return &FakeLink{
		Reads: map[string][]byte{
			myo.InfoCharacteristic:     info,
			myo.FirmwareCharacteristic: {1, 0, 5, 0, 0xb2, 0x07},
			myo.BatteryCharacteristic:  {80},
		},
		dialStarted: make(chan struct{}, 16),
	}
}

func (l *FakeLink) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	l.mu.Lock()
	adverts := append([]device.Advertisement(nil), l.Adverts...)
	err := l.ScanErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	for _, a := range adverts {
		if ctx.Err() != nil {
			return nil
		}
		handler(a)
	}
	return nil
}

func (l *FakeLink) Dial(ctx context.Context, address string) (device.Connection, error) {
	l.mu.Lock()
	l.dials++
	gate := l.DialGate
	dialErr := l.DialErr
	reads := make(map[string][]byte, len(l.Reads))
	for k, v := range l.Reads {
		reads[k] = v
	}
	writeErrs := make(map[string]error, len(l.WriteErrs))
	for k, v := range l.WriteErrs {
		writeErrs[k] = v
	}
	l.mu.Unlock()

	select {
	case l.dialStarted <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	conn := NewFakeConnection(address, reads)
	for k, v := range writeErrs {
		conn.FailWrites(k, v)
	}
	l.mu.Lock()
	l.connections = append(l.connections, conn)
	l.mu.Unlock()
	return conn, nil
}

// DialStarted fires each time Dial is entered.
func (l *FakeLink) DialStarted() <-chan struct{} { return l.dialStarted }

// Dials returns how many times Dial was called.
func (l *FakeLink) Dials() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dials
}

// Connections returns every connection handed out, oldest first.
func (l *FakeLink) Connections() []*FakeConnection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeConnection(nil), l.connections...)
}

// Last returns the most recent connection or nil.
func (l *FakeLink) Last() *FakeConnection {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.connections) == 0 {
		return nil
	}
	return l.connections[len(l.connections)-1]
}

// ActiveConnections counts connections that are not closed or dropped.
func (l *FakeLink) ActiveConnections() int {
	n := 0
	for _, c := range l.Connections() {
		if c.IsConnected() {
			n++
		}
	}
	return n
}

// Write is one recorded characteristic write.
type Write struct {
	Char string
	Data []byte
}

// FakeConnection records writes and lets tests inject notifications and link loss.
type FakeConnection struct {
	address string

	mu        sync.Mutex
	reads     map[string][]byte
	readErrs  map[string]error
	writeErrs map[string]error
	writes    []Write
	handlers  map[string]func([]byte)
	closed    bool

	disconnected chan struct{}
	dropOnce     sync.Once
}

// NewFakeConnection creates a connected fake with the given readable values.
func NewFakeConnection(address string, reads map[string][]byte) *FakeConnection {
	if reads == nil {
		reads = make(map[string][]byte)
	}
	return &FakeConnection{
		address:      address,
		reads:        reads,
		readErrs:     make(map[string]error),
		writeErrs:    make(map[string]error),
		handlers:     make(map[string]func([]byte)),
		disconnected: make(chan struct{}),
	}
}

func (c *FakeConnection) Address() string { return c.address }

func (c *FakeConnection) Write(ctx context.Context, char string, data []byte, withResponse bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.ErrNotConnected
	}
	char = device.NormalizeUUID(char)
	if err := c.writeErrs[char]; err != nil {
		return err
	}
	c.writes = append(c.writes, Write{Char: char, Data: append([]byte(nil), data...)})
	return nil
}

func (c *FakeConnection) Read(ctx context.Context, char string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, device.ErrNotConnected
	}
	char = device.NormalizeUUID(char)
	if err := c.readErrs[char]; err != nil {
		return nil, err
	}
	v, ok := c.reads[char]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{char}}
	}
	return append([]byte(nil), v...), nil
}

func (c *FakeConnection) Subscribe(char string, handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.ErrNotConnected
	}
	c.handlers[device.NormalizeUUID(char)] = handler
	return nil
}

func (c *FakeConnection) Disconnected() <-chan struct{} { return c.disconnected }

func (c *FakeConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
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

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.handlers = make(map[string]func([]byte))
	c.mu.Unlock()
	c.dropOnce.Do(func() { close(c.disconnected) })
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drop simulates the peripheral going away without a Close.
func (c *FakeConnection) Drop() {
	c.dropOnce.Do(func() { close(c.disconnected) })
}

// DropSilently makes IsConnected report false without signalling Disconnected.
func (c *FakeConnection) DropSilently() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Notify delivers payload to the handler subscribed on char, as the backend
// goroutine would. Returns false if nothing is subscribed.
func (c *FakeConnection) Notify(char string, payload []byte) bool {
	c.mu.Lock()
	h := c.handlers[device.NormalizeUUID(char)]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(payload)
	return true
}

// Subscribed lists the characteristics with a live handler.
func (c *FakeConnection) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		out = append(out, k)
	}
	return out
}

// Writes returns every write recorded so far.
func (c *FakeConnection) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// CommandWrites returns the payloads written to the command characteristic.
func (c *FakeConnection) CommandWrites() [][]byte {
	var out [][]byte
	for _, w := range c.Writes() {
		if w.Char == myo.CommandCharacteristic {
			out = append(out, w.Data)
		}
	}
	return out
}

// FailWrites makes every write to char fail with err (nil clears it).
func (c *FakeConnection) FailWrites(char string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErrs[device.NormalizeUUID(char)] = err
}

// FailReads makes every read of char fail with err (nil clears it).
func (c *FakeConnection) FailReads(char string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErrs[device.NormalizeUUID(char)] = err
}

// SetRead replaces the readable value of char.
func (c *FakeConnection) SetRead(char string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads[device.NormalizeUUID(char)] = value
}
