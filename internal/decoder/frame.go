package decoder

import (
	"time"

	"github.com/srg/myoscope/internal/myo"
)

// Notification is one raw payload as it arrived from the device, tagged with
// the mode that was in effect when it was received.
type Notification struct {
	Characteristic string
	Payload        []byte
	Mode           myo.ModeConfig
	Received       time.Time
}

// Frame is a decoded sample. Implemented by *EMGFrame and *IMUFrame.
type Frame interface {
	Time() float64
	Raw() string
}

// EMGFrame is one physical 8-channel EMG sample.
type EMGFrame struct {
	Timestamp float64
	Channels  [8]int8
	RawHex    string
}

func (f *EMGFrame) Time() float64 { return f.Timestamp }
func (f *EMGFrame) Raw() string    { return f.RawHex }

// MotionEvent is an opaque motion-event payload (tap, sync, ...).
type MotionEvent struct {
	Type uint8  `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// IMUFrame carries the field group selected by the IMU mode.
type IMUFrame struct {
	Timestamp  float64
	Quaternion *[4]float64
	Accel      *[3]float64
	Gyro       *[3]float64
	Event      *MotionEvent
	RawHex     string
}

func (f *IMUFrame) Time() float64 { return f.Timestamp }
func (f *IMUFrame) Raw() string    { return f.RawHex }

// Batch holds every frame decoded from a single notification, in order.
type Batch struct {
	Seq    uint64
	Frames []Frame
}

// EMG returns the EMG frames of the batch.
func (b Batch) EMG() []*EMGFrame {
	var out []*EMGFrame
	for _, f := range b.Frames {
		if e, ok := f.(*EMGFrame); ok {
			out = append(out, e)
		}
	}
	return out
}

// IMU returns the IMU frames of the batch.
func (b Batch) IMU() []*IMUFrame {
	var out []*IMUFrame
	for _, f := range b.Frames {
		if i, ok := f.(*IMUFrame); ok {
			out = append(out, i)
		}
	}
	return out
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
