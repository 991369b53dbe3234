package session

import (
	"errors"

	"github.com/srg/myoscope/internal/device"
)

var (
	// ErrDeviceUnavailable covers every failure to reach the armband: scan,
	// dial, discovery or the initial configuration writes.
	ErrDeviceUnavailable = device.ErrDeviceUnavailable

	// ErrInvalidState is returned when an operation is not allowed from the
	// current state, e.g. UpdateMode while Idle.
	ErrInvalidState = errors.New("invalid session state")

	// ErrBusy is returned while another operation holds the session.
	ErrBusy = errors.New("session busy")

	// ErrLinkLost is the teardown cause when the link drops underneath a
	// Connected session.
	ErrLinkLost = errors.New("link lost")
)
