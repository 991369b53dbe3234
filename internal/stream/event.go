package stream

import (
	"github.com/srg/myoscope/internal/decoder"
	"github.com/srg/myoscope/internal/myo"
)

// Event names pushed to viewers.
const (
	EventEMG       = "emg"
	EventIMU       = "imu"
	EventStatus    = "status"
	EventState     = "state"
	EventRecording = "recording"
)

// Event is the envelope written to every viewer.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// EMGData carries every EMG sample of one notification.
type EMGData struct {
	T       float64   `json:"t"`
	Samples [][8]int8 `json:"samples"`
	Raw     string    `json:"raw,omitempty"`
}

// IMUData carries one IMU sample or motion event.
type IMUData struct {
	T     float64              `json:"t"`
	Quat  *[4]float64          `json:"quat,omitempty"`
	Accel *[3]float64          `json:"accel,omitempty"`
	Gyro  *[3]float64          `json:"gyro,omitempty"`
	Event *decoder.MotionEvent `json:"event,omitempty"`
	Raw   string               `json:"raw,omitempty"`
}

// StateData reports a session lifecycle change.
type StateData struct {
	State string `json:"state"`
}

// StatusEvent wraps a status snapshot.
func StatusEvent(st myo.Status) Event {
	return Event{Name: EventStatus, Data: st}
}

// StateEvent wraps a session state name.
func StateEvent(state string) Event {
	return Event{Name: EventState, Data: StateData{State: state}}
}

// RecordingEvent wraps a finished recording.
func RecordingEvent(result any) Event {
	return Event{Name: EventRecording, Data: result}
}

// BatchEvents converts one decoded batch into at most one emg event and one
// imu event per IMU frame.
func BatchEvents(b decoder.Batch) []Event {
	var events []Event

	if emg := b.EMG(); len(emg) > 0 {
		d := EMGData{T: emg[0].Timestamp, Samples: make([][8]int8, len(emg))}
		for i, f := range emg {
			d.Samples[i] = f.Channels
			if f.RawHex != "" && d.Raw == "" {
				d.Raw = f.RawHex
			}
		}
		events = append(events, Event{Name: EventEMG, Data: d})
	}

	for _, f := range b.IMU() {
		events = append(events, Event{Name: EventIMU, Data: IMUData{
			T:     f.Timestamp,
			Quat:  f.Quaternion,
			Accel: f.Accel,
			Gyro:  f.Gyro,
			Event: f.Event,
			Raw:   f.RawHex,
		}})
	}
	return events
}
