package main

import (
	"errors"
	"strings"

	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/recorder"
	"github.com/srg/myoscope/internal/session"
)

// ErrNoArmband is returned when a scan finds nothing to connect to.
var ErrNoArmband = errors.New("no Myo armband found")

// FormatUserError appends a hint for errors a user can act on.
func FormatUserError(err error) string {
	msg := err.Error()

	var hint string
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		hint = "turn Bluetooth on and grant this terminal Bluetooth access"
	case errors.Is(err, ErrNoArmband):
		hint = "wake the armband by moving it and make sure it is not paired to Myo Connect"
	case errors.Is(err, session.ErrBusy):
		hint = "another command is still running; wait for it or disconnect"
	case errors.Is(err, session.ErrLinkLost):
		hint = "the armband went out of range or ran out of battery"
	case errors.Is(err, session.ErrDeviceUnavailable):
		hint = "check the address with 'myoscope scan' and keep the armband close"
	case errors.Is(err, myo.ErrInvalidMode):
		hint = "EMG modes are 0, 2, 3 and IMU modes are 0 to 4"
	case errors.Is(err, recorder.ErrPersistence):
		hint = "check that the recordings directory is writable"
	}

	if hint == "" || strings.Contains(msg, hint) {
		return msg
	}
	return msg + "\n  hint: " + hint
}
