// Package myo holds the Myo armband GATT layout, command encoders and
// status payload parsers. Nothing here touches a live link.
package myo

import (
	"errors"
	"fmt"
	"strings"
)

// Characteristic UUIDs, normalized (lowercase, no dashes).
const (
	ControlService = "d5060001a904deb947482c7f4a124842"

	InfoCharacteristic     = "d5060101a904deb947482c7f4a124842"
	FirmwareCharacteristic = "d5060201a904deb947482c7f4a124842"
	CommandCharacteristic  = "d5060401a904deb947482c7f4a124842"
	IMUCharacteristic      = "d5060402a904deb947482c7f4a124842"
	VoltageCharacteristic  = "d5060404a904deb947482c7f4a124842"
	MotionCharacteristic   = "d5060502a904deb947482c7f4a124842"

	EMG0Characteristic = "d5060105a904deb947482c7f4a124842"
	EMG1Characteristic = "d5060205a904deb947482c7f4a124842"
	EMG2Characteristic = "d5060305a904deb947482c7f4a124842"
	EMG3Characteristic = "d5060405a904deb947482c7f4a124842"

	BatteryCharacteristic = "2a19"
)

// ServicePrefix identifies Myo-specific GATT services in advertisements.
const ServicePrefix = "d506"

// DefaultName is reported for armbands that advertise without a local name.
const DefaultName = "Myo Armband"

// EMGCharacteristics lists the four EMG data characteristics. The device
// rotates raw samples across all of them.
var EMGCharacteristics = []string{
	EMG0Characteristic,
	EMG1Characteristic,
	EMG2Characteristic,
	EMG3Characteristic,
}

// StreamCharacteristics are subscribed to on every connect.
var StreamCharacteristics = append(append([]string{}, EMGCharacteristics...), IMUCharacteristic, MotionCharacteristic)

// IsEMG reports whether uuid is one of the EMG data characteristics.
func IsEMG(uuid string) bool {
	for _, c := range EMGCharacteristics {
		if c == uuid {
			return true
		}
	}
	return false
}

// IsMyoService reports whether a (normalized) service UUID belongs to the Myo vendor range.
func IsMyoService(uuid string) bool {
	return strings.HasPrefix(uuid, ServicePrefix)
}

// ErrInvalidMode is returned when a mode value is outside the device's vocabulary.
var ErrInvalidMode = errors.New("invalid mode")

// EMGMode selects what the armband streams on the EMG characteristics.
type EMGMode uint8

const (
	EMGNone     EMGMode = 0x00
	EMGFiltered EMGMode = 0x02
	EMGRaw      EMGMode = 0x03
)

func (m EMGMode) String() string {
	switch m {
	case EMGNone:
		return "None"
	case EMGFiltered:
		return "Filtered"
	case EMGRaw:
		return "Raw"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(m))
	}
}

// IMUMode selects what the armband streams on the IMU and motion characteristics.
type IMUMode uint8

const (
	IMUNone   IMUMode = 0x00
	IMUData   IMUMode = 0x01
	IMUEvents IMUMode = 0x02
	IMUAll    IMUMode = 0x03
	IMURaw    IMUMode = 0x04
)

func (m IMUMode) String() string {
	switch m {
	case IMUNone:
		return "None"
	case IMUData:
		return "Data"
	case IMUEvents:
		return "Events"
	case IMUAll:
		return "All"
	case IMURaw:
		return "Raw"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(m))
	}
}

// ModeConfig is the pair of sampling modes applied to the device in one command.
type ModeConfig struct {
	EMG EMGMode `json:"emg_mode"`
	IMU IMUMode `json:"imu_mode"`
}

// DefaultMode is what a connect applies when the caller does not choose.
var DefaultMode = ModeConfig{EMG: EMGRaw, IMU: IMUAll}

func (c ModeConfig) String() string {
	return fmt.Sprintf("emg=%s imu=%s", c.EMG, c.IMU)
}

// ParseModeConfig validates wire values for both modes.
func ParseModeConfig(emg, imu int) (ModeConfig, error) {
	switch emg {
	case int(EMGNone), int(EMGFiltered), int(EMGRaw):
	default:
		return ModeConfig{}, fmt.Errorf("%w: emg_mode 0x%02x", ErrInvalidMode, emg)
	}
	if imu < int(IMUNone) || imu > int(IMURaw) {
		return ModeConfig{}, fmt.Errorf("%w: imu_mode 0x%02x", ErrInvalidMode, imu)
	}
	return ModeConfig{EMG: EMGMode(emg), IMU: IMUMode(imu)}, nil
}
