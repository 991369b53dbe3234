// Package recorder captures a labelled slice of the sample stream and saves
// it as CSV.
//
// A recording subscribes to the session only while it is active, so the
// live viewers never wait on it. Stop flushes the buffer exactly once. If the
// write fails the buffer is kept as a pending save until it is retried or
// explicitly discarded, and no new recording can start in the meantime.
package recorder

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/decoder"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/session"
)

var (
	ErrPersistence      = errors.New("recording not saved")
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrPendingSave      = errors.New("unsaved recording pending")
	ErrNothingPending   = errors.New("no unsaved recording")
)

const (
	TypeEMG = "EMG"
	TypeIMU = "IMU"

	DefaultLabel = "unlabeled"
)

// Stop reasons.
const (
	ReasonStopped = "stopped"
	ReasonTimeout = "timeout"
)

// IMUSample is the last IMU reading joined onto a parsed EMG record.
type IMUSample struct {
	Quat *[4]float64 `json:"quat,omitempty"`
	Acc  *[3]float64 `json:"acc,omitempty"`
	Gyro *[3]float64 `json:"gyro,omitempty"`
}

// Record is one CSV row. Raw records carry Type and RawHex, parsed records
// carry EMG and optionally IMU.
type Record struct {
	Timestamp float64    `json:"timestamp"`
	Type      string     `json:"type,omitempty"`
	RawHex    string     `json:"raw_hex,omitempty"`
	EMG       *[8]int8   `json:"emg,omitempty"`
	IMU       *IMUSample `json:"imu,omitempty"`
	Label     string     `json:"label,omitempty"`
}

// IsRaw reports whether every record is a raw one.
func IsRaw(records []Record) bool {
	for _, r := range records {
		if r.RawHex == "" {
			return false
		}
	}
	return len(records) > 0
}

// Source is the sample stream and device description a recording draws on.
type Source interface {
	Subscribe(session.Sink) (unsubscribe func())
	Info() myo.DeviceInfo
	Mode() myo.ModeConfig
}

type Options struct {
	Logger *logrus.Logger
	// Dir receives recordings started without a save path.
	Dir   string `default:"recordings"`
	Clock func() time.Time
	// OnAutoStop receives the outcome of a timer-driven stop.
	OnAutoStop func(Result, error)
}

type StartOptions struct {
	Label   string
	RawMode bool
	// SavePath is a directory, or a full file path when it ends in .csv.
	SavePath string
	// Timeout stops the recording automatically when positive.
	Timeout time.Duration
}

// Result describes a finished recording.
type Result struct {
	ID      string `json:"id"`
	Path    string `json:"path,omitempty"`
	Records int    `json:"records"`
	Label   string `json:"label"`
	RawMode bool   `json:"raw_mode"`
	Reason  string `json:"reason"`
}

// Snapshot is the recorder state reported to clients.
type Snapshot struct {
	Active  bool   `json:"active"`
	ID      string `json:"id,omitempty"`
	Label   string `json:"label,omitempty"`
	RawMode bool   `json:"raw_mode"`
	Records int    `json:"records"`
	Pending bool   `json:"pending"`
}

// Pending describes a recording whose save failed.
type Pending struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Records int    `json:"records"`
	Path    string `json:"path"`
}

type recording struct {
	id          string
	label       string
	raw         bool
	savePath    string
	started     time.Time
	records     []Record
	lastIMU     *IMUSample
	timer       *time.Timer
	unsubscribe func()

	// set once stopped
	meta *Metadata
	path string
}

// Recorder is safe for concurrent use.
type Recorder struct {
	src    Source
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	active  *recording
	pending *recording
}

func New(src Source, opts Options) *Recorder {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Recorder{src: src, opts: opts, logger: opts.Logger}
}

// Start begins buffering samples and returns the recording ID.
func (r *Recorder) Start(opts StartOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRecording, r.active.id)
	}
	if r.pending != nil {
		return "", fmt.Errorf("%w: %d records from %s", ErrPendingSave, len(r.pending.records), r.pending.id)
	}

	rec := &recording{
		id:       uuid.NewString(),
		label:    SanitizeLabel(opts.Label),
		raw:      opts.RawMode,
		savePath: opts.SavePath,
		started:  r.opts.Clock(),
	}
	r.active = rec
	rec.unsubscribe = r.src.Subscribe(r)

	if opts.Timeout > 0 {
		id := rec.id
		rec.timer = time.AfterFunc(opts.Timeout, func() { r.stopIfCurrent(id) })
	}

	r.logger.WithFields(logrus.Fields{
		"id":      rec.id,
		"label":   rec.label,
		"raw":     rec.raw,
		"timeout": opts.Timeout,
	}).Info("Recording started")
	return rec.id, nil
}

// Consume implements the session sink. It runs on the ingest pump.
func (r *Recorder) Consume(b decoder.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.active
	if rec == nil {
		return
	}
	for _, f := range b.Frames {
		switch f := f.(type) {
		case *decoder.EMGFrame:
			if rec.raw {
				if f.RawHex != "" {
					rec.records = append(rec.records, Record{Timestamp: f.Timestamp, Type: TypeEMG, RawHex: f.RawHex, Label: rec.label})
				}
				continue
			}
			channels := f.Channels
			rec.records = append(rec.records, Record{Timestamp: f.Timestamp, Type: TypeEMG, EMG: &channels, IMU: rec.lastIMU, Label: rec.label})

		case *decoder.IMUFrame:
			if rec.raw {
				if f.RawHex != "" {
					rec.records = append(rec.records, Record{Timestamp: f.Timestamp, Type: TypeIMU, RawHex: f.RawHex, Label: rec.label})
				}
				continue
			}
			if f.Quaternion != nil || f.Accel != nil || f.Gyro != nil {
				rec.lastIMU = &IMUSample{Quat: f.Quaternion, Acc: f.Accel, Gyro: f.Gyro}
			}
		}
	}
}

// Stop ends the active recording and saves it. An empty recording is not
// written and has no path.
func (r *Recorder) Stop() (Result, error) {
	return r.stop("", ReasonStopped)
}

// stopIfCurrent is the auto-stop timer callback. A timer that outlived its
// recording does nothing.
func (r *Recorder) stopIfCurrent(id string) {
	res, err := r.stop(id, ReasonTimeout)
	if errors.Is(err, ErrNotRecording) {
		r.logger.WithField("id", id).Debug("Stale auto-stop timer ignored")
		return
	}
	if r.opts.OnAutoStop != nil {
		r.opts.OnAutoStop(res, err)
	}
}

func (r *Recorder) stop(id, reason string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.active
	if rec == nil || (id != "" && rec.id != id) {
		return Result{}, ErrNotRecording
	}
	r.active = nil
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.unsubscribe()

	res := Result{ID: rec.id, Records: len(rec.records), Label: rec.label, RawMode: rec.raw, Reason: reason}
	logger := r.logger.WithFields(logrus.Fields{"id": rec.id, "records": res.Records, "reason": reason})

	if len(rec.records) == 0 {
		logger.Info("Recording stopped with no samples")
		return res, nil
	}

	rec.meta = NewMetadata(r.src.Info(), r.src.Mode(), rec.raw)
	rec.path = r.filePath(rec)
	if err := WriteFile(rec.path, rec.meta, rec.records, rec.raw); err != nil {
		r.pending = rec
		logger.WithError(err).Error("Saving recording failed, keeping it for retry")
		return res, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	res.Path = rec.path
	logger.WithField("path", rec.path).Info("Recording saved")
	return res, nil
}

func (r *Recorder) filePath(rec *recording) string {
	mode := "parsed"
	if rec.raw {
		mode = "raw"
	}
	name := fmt.Sprintf("myo_%s_%s_%s.csv", mode, rec.label, rec.started.Format("2006-01-02_15-04-05"))

	switch {
	case strings.EqualFold(filepath.Ext(rec.savePath), ".csv"):
		return rec.savePath
	case rec.savePath != "":
		return filepath.Join(rec.savePath, name)
	default:
		return filepath.Join(r.opts.Dir, name)
	}
}

// Pending returns the recording whose save failed, or nil.
func (r *Recorder) Pending() *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil
	}
	return &Pending{ID: r.pending.id, Label: r.pending.label, Records: len(r.pending.records), Path: r.pending.path}
}

// SavePending retries the failed save, to path when given or to the
// original destination otherwise.
func (r *Recorder) SavePending(path string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.pending
	if rec == nil {
		return Result{}, ErrNothingPending
	}
	if path != "" {
		rec.savePath = path
		rec.path = r.filePath(rec)
	}
	res := Result{ID: rec.id, Records: len(rec.records), Label: rec.label, RawMode: rec.raw, Reason: ReasonStopped}
	if err := WriteFile(rec.path, rec.meta, rec.records, rec.raw); err != nil {
		return res, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	r.pending = nil
	res.Path = rec.path
	r.logger.WithFields(logrus.Fields{"id": rec.id, "path": rec.path}).Info("Pending recording saved")
	return res, nil
}

// Discard drops the pending recording and returns how many records were lost.
func (r *Recorder) Discard() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return 0, ErrNothingPending
	}
	n := len(r.pending.records)
	r.logger.WithFields(logrus.Fields{"id": r.pending.id, "records": n}).Warn("Pending recording discarded")
	r.pending = nil
	return n, nil
}

// Snapshot reports the active recording, if any.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{Pending: r.pending != nil}
	if rec := r.active; rec != nil {
		s.Active = true
		s.ID = rec.id
		s.Label = rec.label
		s.RawMode = rec.raw
		s.Records = len(rec.records)
	}
	return s
}

var unsafeLabelChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeLabel makes a label safe for file names. Empty labels become
// DefaultLabel.
func SanitizeLabel(label string) string {
	label = strings.Trim(unsafeLabelChars.ReplaceAllString(strings.TrimSpace(label), "_"), "_")
	if label == "" {
		return DefaultLabel
	}
	return label
}
