// Package api exposes the session, recorder and live stream over HTTP.
//
// Control endpoints live under /api and answer JSON. Viewers attach on /ws
// and receive the dispatcher's events until they disconnect.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/groutine"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/recorder"
	"github.com/srg/myoscope/internal/session"
	"github.com/srg/myoscope/internal/stream"
)

// Session is the part of session.Manager the API drives.
type Session interface {
	Scan(ctx context.Context) ([]device.Descriptor, error)
	Connect(ctx context.Context, address string, mode myo.ModeConfig) error
	Disconnect(ctx context.Context) error
	Reset(ctx context.Context) error
	Vibrate(ctx context.Context, pattern string) error
	UpdateMode(ctx context.Context, mode myo.ModeConfig) error
	Status(ctx context.Context) myo.Status
	State() session.State
	Mode() myo.ModeConfig
	Info() myo.DeviceInfo
	DecodedFrames() uint64
	DecodeErrors() uint64
	IngestOverruns() uint64
	IngestErrors() uint64
}

// Recorder is the part of recorder.Recorder the API drives.
type Recorder interface {
	Start(opts recorder.StartOptions) (string, error)
	Stop() (recorder.Result, error)
	Snapshot() recorder.Snapshot
	Pending() *recorder.Pending
	SavePending(path string) (recorder.Result, error)
	Discard() (int, error)
}

// Stream hands out viewer queues.
type Stream interface {
	Attach() *stream.Viewer
	Detach(id string)
	Viewers() int
	Published() uint64
}

type Options struct {
	Logger *logrus.Logger
	// DefaultMode is applied by connect requests that omit the modes.
	DefaultMode myo.ModeConfig

	WriteTimeout time.Duration `default:"10s"`
	PongTimeout  time.Duration `default:"60s"`
	PingInterval time.Duration `default:"25s"`
}

// Server routes HTTP requests onto the session, recorder and stream.
type Server struct {
	session  Session
	recorder Recorder
	stream   Stream
	opts     Options
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

func New(sess Session, rec Recorder, st Stream, opts Options) *Server {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.DefaultMode == (myo.ModeConfig{}) {
		opts.DefaultMode = myo.DefaultMode
	}

	s := &Server{
		session:  sess,
		recorder: rec,
		stream:   st,
		opts:     opts,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Viewers are local browser tabs served from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)
	r.Get("/ws", s.handleStream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/scan", s.scan)
		r.Post("/connect", s.connect)
		r.Post("/disconnect", s.disconnect)
		r.Post("/reset", s.reset)
		r.Post("/vibrate", s.vibrate)
		r.Post("/update-mode", s.updateMode)
		r.Get("/status", s.status)
		r.Post("/save-data", s.saveData)

		r.Route("/recording", func(r chi.Router) {
			r.Get("/", s.recordingSnapshot)
			r.Post("/start", s.startRecording)
			r.Post("/stop", s.stopRecording)
			r.Post("/pending/save", s.savePending)
			r.Delete("/pending", s.discardPending)
		})
	})
	return r
}

// Serve runs the HTTP server on addr until ctx is done, then shuts it down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	groutine.Go(ctx, "http-server", func(context.Context) {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		entry := s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).Round(time.Microsecond),
			"request_id": middleware.GetReqID(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	})
}
