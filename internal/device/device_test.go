package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "d5060401-a904-deb9-4748-2c7f4a124842", want: "d5060401a904deb947482c7f4a124842"},
		{in: "D5060401A904DEB947482C7F4A124842", want: "d5060401a904deb947482c7f4a124842"},
		{in: "00002a19-0000-1000-8000-00805f9b34fb", want: "2a19"},
		{in: "0x2A19", want: "2a19"},
		{in: " 180f ", want: "180f"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUUID(tt.in))
		})
	}
	assert.Equal(t, []string{"2a19", "180f"}, NormalizeUUIDs([]string{"2A19", "0000180f-0000-1000-8000-00805f9b34fb"}))
}

func TestExpandUUID(t *testing.T) {
	assert.Equal(t, "00002a19-0000-1000-8000-00805f9b34fb", ExpandUUID("2a19"))
	assert.Equal(t, "d5060401-a904-deb9-4748-2c7f4a124842", ExpandUUID("d5060401a904deb947482c7f4a124842"))
	assert.Equal(t, "d5060401", ShortenUUID("d5060401a904deb947482c7f4a124842"))
}

func TestConnectionError(t *testing.T) {
	err := fmt.Errorf("%w: hci reset", &ConnectionError{State: Unavailable, Msg: "adapter gone"})

	assert.True(t, errors.Is(err, ErrDeviceUnavailable), "wrapped ConnectionError MUST match by state")
	assert.False(t, errors.Is(err, ErrNotConnected))
	assert.True(t, IsConnectionState(err, Unavailable))
	assert.Equal(t, "device_unavailable: adapter gone", (&ConnectionError{State: Unavailable, Msg: "adapter gone"}).Error())
	assert.Equal(t, "not_connected", ErrNotConnected.Error())

	nf := &NotFoundError{Resource: "characteristic", UUIDs: []string{"d5060001", "d5060401"}}
	assert.Equal(t, `characteristic "d5060401" not found in service "d5060001"`, nf.Error())
}
