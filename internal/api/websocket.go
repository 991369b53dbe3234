package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/groutine"
	"github.com/srg/myoscope/internal/stream"
)

const maxViewerMessage = 4096

// handleStream upgrades the request and streams dispatcher events to the
// viewer. The handler goroutine writes; a named goroutine reads so that pongs
// and close frames are processed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	viewer := s.stream.Attach()
	logger := s.logger.WithFields(logrus.Fields{"viewer": viewer.ID(), "remote": r.RemoteAddr})
	defer func() {
		s.stream.Detach(viewer.ID())
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	groutine.Go(ctx, "ws-reader-"+viewer.ID(), func(context.Context) {
		defer cancel()
		s.readViewer(conn, logger)
	})

	// New viewers learn the session state without waiting for a transition.
	if err := s.writeEvent(conn, stream.StateEvent(s.session.State().String())); err != nil {
		logger.WithError(err).Debug("Initial state write failed")
		return
	}
	s.writeViewer(ctx, conn, viewer, logger)
}

func (s *Server) readViewer(conn *websocket.Conn, logger *logrus.Entry) {
	conn.SetReadLimit(maxViewerMessage)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.WithError(err).Warn("Viewer connection lost")
			}
			return
		}
		// Viewers are receive-only; anything they send is ignored.
	}
}

func (s *Server) writeViewer(ctx context.Context, conn *websocket.Conn, viewer *stream.Viewer, logger *logrus.Entry) {
	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-viewer.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "detached"),
				time.Now().Add(s.opts.WriteTimeout))
			return
		case ev := <-viewer.Events():
			if err := s.writeEvent(conn, ev); err != nil {
				logger.WithError(err).Debug("Viewer write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				logger.WithError(err).Debug("Viewer ping failed")
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev stream.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
