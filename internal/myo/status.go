package myo

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Status is the snapshot reported by the status endpoint and the monitor.
type Status struct {
	Connected bool    `json:"connected"`
	Address   string  `json:"address,omitempty"`
	Battery   *int    `json:"battery,omitempty"`
	Model     *string `json:"model,omitempty"`
	Firmware  *string `json:"firmware,omitempty"`
	SKU       *int    `json:"sku,omitempty"`
}

// DeviceInfo is read once per connect. Any field may be missing on older firmware.
type DeviceInfo struct {
	SKU      *int
	Firmware *string
}

// ModelName maps the info characteristic SKU byte to a product name.
func ModelName(sku int) string {
	switch sku {
	case 0:
		return "Unknown/Old"
	case 1:
		return "MYO Black"
	case 2:
		return "MYO White"
	case 3:
		return "MYOD5"
	default:
		return fmt.Sprintf("SKU %d", sku)
	}
}

const infoPayloadLen = 20

// ParseSKU extracts the SKU byte from the 20-byte info payload.
func ParseSKU(data []byte) (int, bool) {
	if len(data) != infoPayloadLen {
		return 0, false
	}
	return int(data[12]), true
}

// ParseFirmware decodes three little-endian uint16 values as major.minor.patch.
func ParseFirmware(data []byte) (string, bool) {
	if len(data) < 6 {
		return "", false
	}
	major := binary.LittleEndian.Uint16(data[0:2])
	minor := binary.LittleEndian.Uint16(data[2:4])
	patch := binary.LittleEndian.Uint16(data[4:6])
	return fmt.Sprintf("%d.%d.%d", major, minor, patch), true
}

// ParseBatteryLevel reads the standard battery level characteristic.
func ParseBatteryLevel(data []byte) (int, bool) {
	if len(data) < 1 {
		return 0, false
	}
	return int(data[0]), true
}

// BatteryFromVoltage converts the voltage characteristic (millivolts, LE uint16)
// to a percentage over the 3.7 V to 4.2 V discharge range.
func BatteryFromVoltage(data []byte) (int, bool) {
	if len(data) < 2 {
		return 0, false
	}
	volts := float64(binary.LittleEndian.Uint16(data[0:2])) / 1000.0
	frac := math.Min(math.Max((volts-3.7)/0.5, 0), 1)
	return int(math.Round(frac * 100)), true
}
