package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kal997/block-notification-server/internal/models"
	"github.com/kal997/block-notification-server/internal/notifier"
)

// Backend is what the transport needs from the notification service
type Backend interface {
	notifier.SubscriptionManager
	Stats() notifier.Stats
}

// HealthChecker is a dependency probed by /healthz
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// MetricsSource reports counter totals for /metrics
type MetricsSource interface {
	Totals(ctx context.Context) (map[string]int64, error)
}

type ServerConfig struct {
	// WriteTimeout bounds error frame writes. Notification writes use the
	// endpoint's send timeout instead. Default: 5s
	WriteTimeout time.Duration

	// ReadLimit is the largest request frame accepted. Default: 32KiB
	ReadLimit int64

	// HealthChecks are probed by /healthz
	HealthChecks []HealthChecker

	// Metrics backs /metrics; the route is absent when nil
	Metrics MetricsSource
}

// Server carries subscribe/unsubscribe calls from WebSocket subscribers to
// the backend and notifications back. One connection is one subscriber.
type Server struct {
	backend Backend
	cfg     ServerConfig
	log     logrus.FieldLogger
}

func NewServer(backend Backend, log logrus.FieldLogger) *Server {
	return NewServerWithConfig(backend, log, ServerConfig{})
}

func NewServerWithConfig(backend Backend, log logrus.FieldLogger, cfg ServerConfig) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 32 << 10
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		log:     log.WithField("component", "server"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch r.URL.Path {
	case "/ws":
		s.handleSubscriber(w, r)
	case "/healthz":
		s.handleHealth(w, r)
	case "/stats":
		writeJSON(w, http.StatusOK, s.backend.Stats())
	case "/metrics":
		s.handleMetrics(w, r)
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.cfg.HealthChecks {
		if err := check.HealthCheck(r.Context()); err != nil {
			s.log.WithError(err).Warn("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	totals, err := s.cfg.Metrics.Totals(r.Context())
	if err != nil {
		s.log.WithError(err).Error("failed to collect metrics")
		writeError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// wsSender writes notification frames to one connection
type wsSender struct {
	conn *websocket.Conn
}

func (ws *wsSender) Send(ctx context.Context, n models.Notification) error {
	return wsjson.Write(ctx, ws.conn, models.NotificationFrame(n))
}

func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h := s.backend.Connect(&wsSender{conn: conn})
	log := s.log.WithFields(logrus.Fields{
		"subscriber": h.ID(),
		"remote":     r.RemoteAddr,
	})
	log.Info("subscriber connected")

	// The endpoint can close under us (failed delivery, shutdown); drop the
	// connection with it
	go func() {
		select {
		case <-h.Done():
			if err := h.Err(); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "delivery failed")
				return
			}
			_ = conn.Close(websocket.StatusGoingAway, "endpoint closed")
		case <-ctx.Done():
		}
	}()

	err = s.readRequests(ctx, conn, h.ID(), log)

	s.backend.Disconnect(h.ID())
	_ = conn.Close(websocket.StatusNormalClosure, "")

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		log.Info("subscriber disconnected")
		return
	}
	log.WithError(err).Info("subscriber connection lost")
}

// readRequests processes one-way calls until the connection fails. Nothing
// is written back for a valid request.
func (s *Server) readRequests(ctx context.Context, conn *websocket.Conn, sub models.SubscriberID, log logrus.FieldLogger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.reject(ctx, conn, log, fmt.Errorf("unsupported message type %v", typ))
			continue
		}

		req, err := models.DecodeRequest(data)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			s.reject(ctx, conn, log, err)
			continue
		}

		switch req.Method {
		case models.MethodSubscribe:
			s.backend.Subscribe(sub, req.BlockID, req.Ops)
		case models.MethodUnsubscribe:
			s.backend.Unsubscribe(sub, req.BlockID, req.Ops)
		}
	}
}

// reject reports a transport-level error to the subscriber. It is not a
// reply to the request and carries no correlation.
func (s *Server) reject(ctx context.Context, conn *websocket.Conn, log logrus.FieldLogger, cause error) {
	log.WithError(cause).Warn("rejecting subscriber request")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, models.ErrorFrame(cause)); err != nil {
		log.WithError(err).Debug("failed to write error frame")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
