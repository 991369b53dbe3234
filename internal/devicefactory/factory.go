package devicefactory

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/device/goble"
	"github.com/srg/myoscope/internal/device/tinyble"
)

// Backend names accepted by New.
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// LinkFactory creates the device.Link for a backend name.
// This is a variable so that it can be overridden in tests.
var LinkFactory = func(backend string, logger *logrus.Logger) (device.Link, error) {
	switch backend {
	case "", BackendGoBLE:
		return goble.NewLink(logger), nil
	case BackendTinyGo:
		return tinyble.NewLink(logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown BLE backend %q (want %q or %q)", device.ErrUnsupported, backend, BackendGoBLE, BackendTinyGo)
	}
}

// New returns the link for backend using LinkFactory.
func New(backend string, logger *logrus.Logger) (device.Link, error) {
	return LinkFactory(backend, logger)
}
