package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"example.com/presence/internal/auth"
	"example.com/presence/internal/domain"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsPongWait        = 45 * time.Second
	wsPingInterval    = (wsPongWait * 9) / 10
	wsWriteWait       = 10 * time.Second
	cleanupTimeout    = 10 * time.Second
	defaultInstanceID = "local"
)

// ConnectionRegistry records socket lifecycle in the shared registry.
type ConnectionRegistry interface {
	AddConnection(ctx context.Context, userID, connectionID string, now time.Time) (bool, error)
	RemoveConnection(ctx context.Context, userID, connectionID string, now time.Time) (bool, error)
}

// PresenceNotifier receives registry transitions.
type PresenceNotifier interface {
	OnConnectionAdded(ctx context.Context, userID string, wasFirst bool, now time.Time) error
	OnConnectionsRemoved(ctx context.Context, userID string, becameEmpty bool, now time.Time) error
}

// InboundHandler routes client frames.
type InboundHandler interface {
	HandleRaw(ctx context.Context, source string, raw []byte) (domain.DeliveryReport, error)
}

// Config tunes the gateway.
type Config struct {
	// ManagementToken guards the /@connections endpoint when non-empty.
	ManagementToken string
	// AllowedOrigin restricts browser origins; empty or "*" allows any.
	AllowedOrigin string
	// InstanceID prefixes every connection id this server issues.
	InstanceID string
}

// Option customises the Server.
type Option func(*Server)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithInbound routes client text frames to h. Without it, frames are ignored.
func WithInbound(h InboundHandler) Option {
	return func(s *Server) {
		s.inbound = h
	}
}

// WithCleanupRetry sets how often a failed registry removal is retried on disconnect and
// the delay before the first retry. The delay doubles per attempt, within the cleanup timeout.
func WithCleanupRetry(attempts int, delay time.Duration) Option {
	return func(s *Server) {
		if attempts > 0 {
			s.cleanupAttempts = attempts
		}
		if delay > 0 {
			s.cleanupDelay = delay
		}
	}
}

// Server exposes the WebSocket endpoint and the connection management API.
type Server struct {
	hub      *Hub
	registry ConnectionRegistry
	presence PresenceNotifier
	verifier auth.Verifier
	inbound  InboundHandler
	cfg      Config
	upgrader websocket.Upgrader
	clock    func() time.Time
	logger   *log.Logger
	active   sync.WaitGroup

	cleanupAttempts int
	cleanupDelay    time.Duration
}

// NewServer constructs a Server.
func NewServer(hub *Hub, registry ConnectionRegistry, presence PresenceNotifier, verifier auth.Verifier, cfg Config, opts ...Option) *Server {
	s := &Server{
		hub:      hub,
		registry: registry,
		presence: presence,
		verifier: verifier,
		cfg:      cfg,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   log.New(os.Stdout, "[gateway] ", log.LstdFlags|log.LUTC),

		cleanupAttempts: 5,
		cleanupDelay:    100 * time.Millisecond,
	}
	if strings.TrimSpace(s.cfg.InstanceID) == "" {
		s.cfg.InstanceID = defaultInstanceID
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes wires endpoints to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ws", s.serveWS)
	mux.HandleFunc("/@connections/", s.connections)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowedOrigin == "" || s.cfg.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, s.cfg.AllowedOrigin)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	userID, err := s.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		connectsTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		connectsTotal.WithLabelValues("upgrade_failed").Inc()
		return
	}
	s.active.Add(1)
	defer s.active.Done()

	now := s.clock()
	c := newClient(newConnectionID(s.cfg.InstanceID), userID, conn, wsSendBuffer, now)
	s.hub.register(c)

	// Registry calls outlive the request context so a dropped socket is still cleaned up.
	base := context.WithoutCancel(r.Context())

	addCtx, cancel := context.WithTimeout(base, cleanupTimeout)
	first, err := s.registry.AddConnection(addCtx, userID, c.id, now)
	cancel()
	if err != nil {
		connectsTotal.WithLabelValues("registry_failed").Inc()
		s.logger.Printf("register connection user=%s connection=%s: %v", userID, c.id, err)
		s.hub.unregister(c)
		deadline := time.Now().Add(wsWriteWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registry unavailable"), deadline)
		_ = conn.Close()
		return
	}
	connectsTotal.WithLabelValues("ok").Inc()

	notifyCtx, cancel := context.WithTimeout(base, cleanupTimeout)
	if err := s.presence.OnConnectionAdded(notifyCtx, userID, first, now); err != nil {
		s.logger.Printf("presence update on connect user=%s: %v", userID, err)
	}
	cancel()

	go s.writeLoop(c)
	s.readLoop(r.Context(), c)
	s.disconnect(base, c)
}

// Shutdown closes every socket held by the hub and waits for their registry cleanup to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) disconnect(base context.Context, c *client) {
	c.close()
	s.hub.unregister(c)
	_ = c.conn.Close()

	ctx, cancel := context.WithTimeout(base, cleanupTimeout)
	defer cancel()

	now := s.clock()
	empty, err := s.removeConnection(ctx, c, now)
	if err != nil {
		s.logger.Printf("remove connection user=%s connection=%s: %v", c.userID, c.id, err)
		return
	}
	if err := s.presence.OnConnectionsRemoved(ctx, c.userID, empty, now); err != nil {
		s.logger.Printf("presence update on disconnect user=%s: %v", c.userID, err)
	}
}

// removeConnection retries storage failures with doubling delays until the attempts or ctx
// run out.
func (s *Server) removeConnection(ctx context.Context, c *client, now time.Time) (bool, error) {
	delay := s.cleanupDelay
	for attempt := 1; ; attempt++ {
		empty, err := s.registry.RemoveConnection(ctx, c.userID, c.id, now)
		if err == nil || !errors.Is(err, domain.ErrStorageUnavailable) || attempt >= s.cleanupAttempts {
			return empty, err
		}
		cleanupRetriesTotal.Inc()
		s.logger.Printf("remove connection user=%s connection=%s attempt=%d: %v", c.userID, c.id, attempt, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage || s.inbound == nil {
			continue
		}
		framesTotal.Inc()
		if _, err := s.inbound.HandleRaw(ctx, "websocket", data); err != nil {
			s.logger.Printf("inbound frame connection=%s: %v", c.id, err)
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(wsWriteWait)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// connections serves POST (push), GET (describe) and DELETE (disconnect) on /@connections/{id}.
func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedManagement(r) {
		writeError(w, http.StatusForbidden, "forbidden", "invalid management token")
		return
	}

	id, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/@connections/"))
	if err != nil || strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing connection id")
		return
	}

	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, wsMaxPayloadBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
			return
		}
		if len(body) > wsMaxPayloadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload exceeds limit")
			return
		}
		switch err := s.hub.Push(r.Context(), id, body); {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, domain.ErrGone):
			s.writeNotHeld(w, id)
		default:
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		}
	case http.MethodGet:
		info, ok := s.hub.Info(id)
		if !ok {
			s.writeNotHeld(w, id)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		if !s.hub.Disconnect(id) {
			s.writeNotHeld(w, id)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// writeNotHeld answers 410 only for connections this instance issued; another gateway may
// still hold the rest.
func (s *Server) writeNotHeld(w http.ResponseWriter, id string) {
	if ownedBy(id, s.cfg.InstanceID) {
		writeError(w, http.StatusGone, "gone", "connection is gone")
		return
	}
	writeError(w, http.StatusServiceUnavailable, "not_held", "connection is held by another gateway")
}

func (s *Server) authorizedManagement(r *http.Request) bool {
	if s.cfg.ManagementToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ManagementToken)) == 1
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
