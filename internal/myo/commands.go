package myo

// Command opcodes written to CommandCharacteristic.
const (
	cmdSetMode    = 0x01
	cmdVibrate    = 0x03
	cmdDeepSleep  = 0x04
	cmdSetSleep   = 0x09
	cmdUserAction = 0x0b
)

// VibrationPattern is one of the built-in vibration lengths.
type VibrationPattern uint8

const (
	VibrateShort  VibrationPattern = 0x01
	VibrateMedium VibrationPattern = 0x02
	VibrateLong   VibrationPattern = 0x03
)

// ParseVibration maps a pattern name to its wire value. Unknown names fall back to medium.
func ParseVibration(name string) VibrationPattern {
	switch name {
	case "short":
		return VibrateShort
	case "long":
		return VibrateLong
	default:
		return VibrateMedium
	}
}

func (p VibrationPattern) String() string {
	switch p {
	case VibrateShort:
		return "short"
	case VibrateLong:
		return "long"
	default:
		return "medium"
	}
}

// SetModeCommand encodes the set-mode command. Classifier mode is always off.
func SetModeCommand(c ModeConfig) []byte {
	return []byte{cmdSetMode, 0x03, byte(c.EMG), byte(c.IMU), 0x00}
}

// VibrateCommand encodes a vibration request.
func VibrateCommand(p VibrationPattern) []byte {
	return []byte{cmdVibrate, 0x01, byte(p)}
}

// NeverSleepCommand keeps the armband awake while it is off-arm.
func NeverSleepCommand() []byte {
	return []byte{cmdSetSleep, 0x01, 0x01}
}

// NormalSleepCommand restores the default sleep policy.
func NormalSleepCommand() []byte {
	return []byte{cmdSetSleep, 0x01, 0x00}
}

// DeepSleepCommand puts the armband into deep sleep. The link drops right after.
func DeepSleepCommand() []byte {
	return []byte{cmdDeepSleep, 0x00}
}

// UserActionCommand is the keep-alive nudge that resets the device's idle timer.
func UserActionCommand() []byte {
	return []byte{cmdUserAction, 0x01, 0x00}
}
