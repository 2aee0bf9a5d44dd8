// Package signaling is the WebSocket transport for the relay core.
//
// It owns connection lifecycle (upgrade, ids, keepalive, close frames) and
// per-connection hardening (read limits, rate limits, idle timeouts), and hands
// parsed events to the relay Dispatcher. Outbound delivery happens through the
// relay.Sender implementation here.
package signaling

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meetlite/signal-relay/internal/auth"
	"github.com/meetlite/signal-relay/internal/config"
	"github.com/meetlite/signal-relay/internal/metrics"
	"github.com/meetlite/signal-relay/internal/origin"
	"github.com/meetlite/signal-relay/internal/ratelimit"
	"github.com/meetlite/signal-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

type Server struct {
	cfg        config.Config
	dispatcher *relay.Dispatcher
	metrics    *metrics.Metrics
	log        *slog.Logger
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

func NewServer(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		metrics:  m,
		log:      logger,
		sessions: make(map[string]*session),
	}
	s.dispatcher = relay.NewDispatcher(relay.DispatcherConfig{
		Registry:    relay.NewRegistry(cfg.RoomCapacity),
		Sender:      s,
		Verifier:    auth.TokenVerifier{Required: cfg.RequireToken, Secret: cfg.AccessToken},
		DefaultRoom: cfg.DefaultRoom,
		Metrics:     m,
		Logger:      logger,
	})
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}

	normalizedOrigin, originHost, ok := origin.Normalize(originHeader)
	if !ok {
		return false
	}
	return origin.Allowed(normalizedOrigin, originHost, r.Host, s.cfg.AllowedOrigins)
}

// Deliver implements relay.Sender. Unknown connection ids are ignored; the
// target may have disconnected between the registry lookup and delivery.
func (s *Server) Deliver(connID string, msg relay.Message) {
	s.mu.Lock()
	sess := s.sessions[connID]
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.write(msg)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	sess := &session{id: connID, conn: conn, log: s.log}

	s.mu.Lock()
	s.sessions[connID] = sess
	s.mu.Unlock()
	s.dispatcher.HandleConnect(connID)

	s.log.Info("signaling_connected", "conn", connID, "remote_addr", r.RemoteAddr)
	defer func() {
		s.mu.Lock()
		delete(s.sessions, connID)
		s.mu.Unlock()
		s.dispatcher.HandleDisconnect(connID)
		s.log.Info("signaling_disconnected", "conn", connID, "remote_addr", r.RemoteAddr)
	}()

	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	idleTimeout := s.cfg.SignalingWSIdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go sess.keepalive(s.cfg.SignalingWSPingInterval, done)

	limiter := ratelimit.NewTokenBucket(nil,
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond),
	)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame is proof of liveness.
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))

		if msgType != websocket.TextMessage {
			sess.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			sess.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := relay.ParseMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.BadMessage)
			s.log.Debug("invalid signaling message", "conn", connID, "err", err)
			sess.closeWith(websocket.ClosePolicyViolation, "invalid message")
			return
		}

		s.dispatcher.HandleMessage(connID, msg)
	}
}

// session serializes all writes to one WebSocket connection. Deliveries arrive
// from other connections' read loops, so every write path takes writeMu.
type session struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
}

func (s *session) write(msg relay.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Debug("signaling write failed", "conn", s.id, "err", err)
	}
}

func (s *session) closeWith(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (s *session) keepalive(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
