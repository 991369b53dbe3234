package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/myoscope/internal/api"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/devicefactory"
	"github.com/srg/myoscope/internal/groutine"
	"github.com/srg/myoscope/internal/monitor"
	"github.com/srg/myoscope/internal/recorder"
	"github.com/srg/myoscope/internal/session"
	"github.com/srg/myoscope/internal/stream"
	"github.com/srg/myoscope/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the armband session and HTTP/WebSocket server",
	Long: `Run the armband session behind an HTTP control API and stream decoded
samples to every browser attached on /ws.

Control endpoints live under /api: scan, connect, disconnect, reset,
vibrate, update-mode, status, save-data and recording.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveListen  string
	serveBackend string
)

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "HTTP listen address (default from config)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "BLE backend (goble, tinygo)")
}

// recordingOutcome is the payload of a recording event.
type recordingOutcome struct {
	recorder.Result
	Error string `json:"error,omitempty"`
}

// app is the running set of components behind the server.
type app struct {
	session    *session.Manager
	dispatcher *stream.Dispatcher
	recorder   *recorder.Recorder
	monitor    *monitor.Monitor
	logger     *logrus.Logger
}

// newApp wires the session to its sinks and the monitor to the session.
// Auto-stopped recordings go to onAutoStop, or to viewers when it is nil.
func newApp(cfg *config.Config, link device.Link, logger *logrus.Logger, onAutoStop func(recorder.Result, error)) *app {
	a := &app{logger: logger}
	a.session = session.New(link, session.Options{
		Logger:            logger,
		ScanTimeout:       cfg.ScanTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		IngestQueueSize:   cfg.IngestQueueSize,
	})
	a.dispatcher = stream.NewDispatcher(stream.Options{Logger: logger, QueueSize: cfg.ViewerQueueSize})
	a.session.Subscribe(a.dispatcher)

	if onAutoStop == nil {
		onAutoStop = func(res recorder.Result, err error) {
			out := recordingOutcome{Result: res}
			if err != nil {
				out.Error = err.Error()
			}
			a.dispatcher.Publish(stream.RecordingEvent(out))
		}
	}
	a.recorder = recorder.New(a.session, recorder.Options{
		Logger:     logger,
		Dir:        cfg.RecordingsDir,
		OnAutoStop: onAutoStop,
	})

	a.monitor = monitor.New(a.session, a.dispatcher, monitor.Options{Logger: logger, Interval: cfg.StatusInterval})
	a.session.OnStateChange(func(s session.State) {
		a.dispatcher.Publish(stream.StateEvent(s.String()))
		if s == session.Connected {
			a.monitor.Activate()
		}
	})
	return a
}

// close saves an active recording and releases the armband.
func (a *app) close() {
	if res, err := a.recorder.Stop(); err == nil {
		a.logger.WithFields(logrus.Fields{"records": res.Records, "path": res.Path}).Info("Active recording saved on shutdown")
	} else if !errors.Is(err, recorder.ErrNotRecording) {
		a.logger.WithError(err).Error("Saving active recording on shutdown failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.session.Disconnect(ctx); err != nil {
		a.logger.WithError(err).Warn("Disconnect on shutdown failed")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveBackend != "" {
		cfg.Backend = serveBackend
	}
	mode, err := cfg.Mode()
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	link, err := devicefactory.New(cfg.Backend, logger)
	if err != nil {
		return err
	}

	a := newApp(cfg, link, logger, nil)
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	groutine.Go(ctx, "status-monitor", a.monitor.Run)

	srv := api.New(a.session, a.recorder, a.dispatcher, api.Options{Logger: logger, DefaultMode: mode})
	logger.WithFields(logrus.Fields{
		"listen":  cfg.Listen,
		"backend": cfg.Backend,
		"version": formatVersion(version),
	}).Info("myoscope serving")
	return srv.Serve(ctx, cfg.Listen)
}
