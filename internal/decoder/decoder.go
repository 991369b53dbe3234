// Package decoder turns Myo notification payloads into EMG and IMU frames.
//
// Decoding depends only on the payload, its characteristic and the mode
// snapshot carried by the notification. The same bytes on the EMG
// characteristics mean one sample in Filtered mode and two in Raw mode, so
// the mode must be the one in effect when the payload was received.
package decoder

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/srg/myoscope/internal/myo"
)

var (
	ErrInvalidPacketSize     = errors.New("invalid packet size")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
)

const (
	filteredEMGLen = 8
	rawEMGLen      = 16
	imuLen         = 20
	quatLen        = 8

	quaternionScale = 16384.0

	// Raw EMG is sampled at 200 Hz and packed two samples per notification.
	rawSampleOffset = 0.005
)

// Decode translates one notification into zero or more frames. A payload that
// is not valid for its characteristic and mode yields ErrInvalidPacketSize.
func Decode(n Notification) ([]Frame, error) {
	ts := unixSeconds(n.Received)

	switch {
	case myo.IsEMG(n.Characteristic):
		return decodeEMG(n, ts)
	case n.Characteristic == myo.IMUCharacteristic:
		return decodeIMU(n, ts)
	case n.Characteristic == myo.MotionCharacteristic:
		return decodeMotion(n, ts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, n.Characteristic)
	}
}

func decodeEMG(n Notification, ts float64) ([]Frame, error) {
	p := n.Payload
	switch n.Mode.EMG {
	case myo.EMGNone:
		return nil, nil
	case myo.EMGFiltered:
		if len(p) != filteredEMGLen {
			return nil, sizeError(n, filteredEMGLen)
		}
		f := &EMGFrame{Timestamp: ts, RawHex: hex.EncodeToString(p)}
		fillChannels(&f.Channels, p)
		return []Frame{f}, nil
	case myo.EMGRaw:
		if len(p) != rawEMGLen {
			return nil, sizeError(n, rawEMGLen)
		}
		first := &EMGFrame{Timestamp: ts, RawHex: hex.EncodeToString(p)}
		second := &EMGFrame{Timestamp: ts + rawSampleOffset}
		fillChannels(&first.Channels, p[:8])
		fillChannels(&second.Channels, p[8:])
		return []Frame{first, second}, nil
	default:
		return nil, fmt.Errorf("%w: emg %s", myo.ErrInvalidMode, n.Mode.EMG)
	}
}

func fillChannels(dst *[8]int8, p []byte) {
	for i := range dst {
		dst[i] = int8(p[i])
	}
}

func decodeIMU(n Notification, ts float64) ([]Frame, error) {
	p := n.Payload
	switch n.Mode.IMU {
	case myo.IMUNone, myo.IMUEvents:
		// Events arrive on the motion characteristic.
		return nil, nil
	case myo.IMUData:
		if len(p) != imuLen {
			return nil, sizeError(n, imuLen)
		}
		return []Frame{&IMUFrame{Timestamp: ts, Quaternion: quaternion(p), RawHex: hex.EncodeToString(p)}}, nil
	case myo.IMUAll:
		if len(p) != imuLen {
			return nil, sizeError(n, imuLen)
		}
		return []Frame{&IMUFrame{
			Timestamp:  ts,
			Quaternion: quaternion(p),
			Accel:      vector(p[8:14]),
			Gyro:       vector(p[14:20]),
			RawHex:     hex.EncodeToString(p),
		}}, nil
	case myo.IMURaw:
		if len(p) == 0 {
			return nil, sizeError(n, imuLen)
		}
		f := &IMUFrame{Timestamp: ts, RawHex: hex.EncodeToString(p)}
		if len(p) >= quatLen {
			f.Quaternion = quaternion(p)
		}
		if len(p) >= imuLen {
			f.Accel = vector(p[8:14])
			f.Gyro = vector(p[14:20])
		}
		return []Frame{f}, nil
	default:
		return nil, fmt.Errorf("%w: imu %s", myo.ErrInvalidMode, n.Mode.IMU)
	}
}

func decodeMotion(n Notification, ts float64) ([]Frame, error) {
	if n.Mode.IMU != myo.IMUEvents && n.Mode.IMU != myo.IMURaw {
		return nil, nil
	}
	if len(n.Payload) < 1 {
		return nil, sizeError(n, 1)
	}
	ev := &MotionEvent{Type: n.Payload[0]}
	if len(n.Payload) > 1 {
		ev.Data = append([]byte(nil), n.Payload[1:]...)
	}
	return []Frame{&IMUFrame{Timestamp: ts, Event: ev, RawHex: hex.EncodeToString(n.Payload)}}, nil
}

func quaternion(p []byte) *[4]float64 {
	var q [4]float64
	for i := range q {
		q[i] = float64(int16(binary.LittleEndian.Uint16(p[i*2:]))) / quaternionScale
	}
	return &q
}

func vector(p []byte) *[3]float64 {
	var v [3]float64
	for i := range v {
		v[i] = float64(int16(binary.LittleEndian.Uint16(p[i*2:])))
	}
	return &v
}

func sizeError(n Notification, want int) error {
	return fmt.Errorf("%w: %s got %d bytes, want %d (%s)", ErrInvalidPacketSize, n.Characteristic, len(n.Payload), want, n.Mode)
}

// Decoder wraps Decode with a running count of rejected payloads.
type Decoder struct {
	errors  atomic.Uint64
	decoded atomic.Uint64
}

// Decode never returns frames alongside an error. Errors are counted.
func (d *Decoder) Decode(n Notification) ([]Frame, error) {
	frames, err := Decode(n)
	if err != nil {
		d.errors.Add(1)
		return nil, err
	}
	d.decoded.Add(uint64(len(frames)))
	return frames, nil
}

// Errors returns the number of payloads dropped as malformed.
func (d *Decoder) Errors() uint64 { return d.errors.Load() }

// Decoded returns the number of frames produced so far.
func (d *Decoder) Decoded() uint64 { return d.decoded.Load() }
