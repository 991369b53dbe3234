package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/recorder"
)

var errBadRequest = errors.New("bad request")

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type connectRequest struct {
	Address string `json:"address"`
	EMGMode *int   `json:"emg_mode"`
	IMUMode *int   `json:"imu_mode"`
}

type modeRequest struct {
	EMGMode *int `json:"emg_mode"`
	IMUMode *int `json:"imu_mode"`
}

type vibrateRequest struct {
	Pattern string `json:"pattern"`
}

type saveDataRequest struct {
	Path string            `json:"path"`
	Data []recorder.Record `json:"data"`
}

type startRecordingRequest struct {
	Label          string  `json:"label"`
	RawMode        bool    `json:"raw_mode"`
	SavePath       string  `json:"save_path"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type healthResponse struct {
	Status         string `json:"status"`
	State          string `json:"state"`
	DecodedFrames  uint64 `json:"decoded_frames"`
	DecodeErrors   uint64 `json:"decode_errors"`
	IngestOverruns uint64 `json:"ingest_overruns"`
	IngestErrors   uint64 `json:"ingest_errors"`
	Viewers        int    `json:"viewers"`
	Published      uint64 `json:"published_events"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		State:          s.session.State().String(),
		DecodedFrames:  s.session.DecodedFrames(),
		DecodeErrors:   s.session.DecodeErrors(),
		IngestOverruns: s.session.IngestOverruns(),
		IngestErrors:   s.session.IngestErrors(),
		Viewers:        s.stream.Viewers(),
		Published:      s.stream.Published(),
	})
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	found, err := s.session.Scan(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Address == "" {
		s.writeError(w, r, fmt.Errorf("%w: address missing", errBadRequest))
		return
	}

	emg, imu := int(s.opts.DefaultMode.EMG), int(s.opts.DefaultMode.IMU)
	if req.EMGMode != nil {
		emg = *req.EMGMode
	}
	if req.IMUMode != nil {
		imu = *req.IMUMode
	}
	mode, err := myo.ParseModeConfig(emg, imu)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The connect outlives a browser that gives up waiting; Disconnect is
	// the way to abort it.
	if err := s.session.Connect(detached(r.Context()), req.Address, mode); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "connected to " + req.Address})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Disconnect(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) vibrate(w http.ResponseWriter, r *http.Request) {
	var req vibrateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.session.Vibrate(r.Context(), req.Pattern); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) updateMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.EMGMode == nil || req.IMUMode == nil {
		s.writeError(w, r, fmt.Errorf("%w: missing modes", errBadRequest))
		return
	}
	mode, err := myo.ParseModeConfig(*req.EMGMode, *req.IMUMode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.session.UpdateMode(r.Context(), mode); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status(r.Context()))
}

func (s *Server) saveData(w http.ResponseWriter, r *http.Request) {
	var req saveDataRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Path == "" || len(req.Data) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: missing path or data", errBadRequest))
		return
	}

	raw := recorder.IsRaw(req.Data)
	meta := recorder.NewMetadata(s.session.Info(), s.session.Mode(), raw)
	if err := recorder.WriteFile(req.Path, meta, req.Data, raw); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", recorder.ErrPersistence, err))
		return
	}
	s.logger.WithFields(logrus.Fields{"path": req.Path, "records": len(req.Data), "raw": raw}).Info("Client data saved")
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) recordingSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.Snapshot())
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TimeoutSeconds < 0 {
		s.writeError(w, r, fmt.Errorf("%w: negative timeout", errBadRequest))
		return
	}

	id, err := s.recorder.Start(recorder.StartOptions{
		Label:    req.Label,
		RawMode:  req.RawMode,
		SavePath: req.SavePath,
		Timeout:  time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	res, err := s.recorder.Stop()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) savePending(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.recorder.SavePending(req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) discardPending(w http.ResponseWriter, r *http.Request) {
	n, err := s.recorder.Discard()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"discarded": n})
}

// decodeBody reads an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
