package testutils

import (
	"github.com/srg/myoscope/internal/device"
)

// AdvertisementBuilder builds static advertisements for scan tests.
type AdvertisementBuilder struct {
	adv staticAdvertisement
}

// NewAdvertisementBuilder creates a connectable advertisement with no name.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: staticAdvertisement{connectable: true}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.addr = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

// WithServices adds service UUIDs in any form; they are normalized.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.services = append(b.adv.services, device.NormalizeUUIDs(uuids)...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufData = data
	return b
}

// WithConnectable sets the connectable flag.
func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.connectable = connectable
	return b
}

// Build returns the advertisement.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	a := b.adv
	a.services = append([]string(nil), b.adv.services...)
	return &a
}

type staticAdvertisement struct {
	name        string
	addr        string
	rssi        int
	services    []string
	manufData   []byte
	connectable bool
}

func (a *staticAdvertisement) LocalName() string        { return a.name }
func (a *staticAdvertisement) Services() []string       { return a.services }
func (a *staticAdvertisement) ManufacturerData() []byte { return a.manufData }
func (a *staticAdvertisement) Connectable() bool        { return a.connectable }
func (a *staticAdvertisement) RSSI() int                { return a.rssi }
func (a *staticAdvertisement) Addr() string             { return a.addr }
