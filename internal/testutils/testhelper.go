package testutils

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

func CreateMyoAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi).
		WithServices("d5060001-a904-deb9-4748-2c7f4a124842")
}

// RawEMGPayload packs two 8-channel samples the way the armband does in raw mode.
func RawEMGPayload(first, second [8]int8) []byte {
	p := make([]byte, 16)
	for i := 0; i < 8; i++ {
		p[i] = byte(first[i])
		p[8+i] = byte(second[i])
	}
	return p
}

// IMUPayload packs a quaternion (raw int16 units), accelerometer and gyroscope sample.
func IMUPayload(quat [4]int16, accel, gyro [3]int16) []byte {
	p := make([]byte, 20)
	for i, v := range quat {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(v))
	}
	for i, v := range accel {
		binary.LittleEndian.PutUint16(p[8+i*2:], uint16(v))
	}
	for i, v := range gyro {
		binary.LittleEndian.PutUint16(p[14+i*2:], uint16(v))
	}
	return p
}
