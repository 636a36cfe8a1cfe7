package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
)

const disconnectTimeout = 10 * time.Second

// Handler upgrades HTTP requests and runs the streaming protocol over the
// socket: text frames are control commands, binary frames are audio chunks,
// and every event goes back as a text frame.
type Handler struct {
	adapter      adapter.ProtocolAdapter
	upgrader     websocket.Upgrader
	readLimit    int64
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
	active       atomic.Int64

	mu      sync.Mutex
	sockets map[*socket]struct{}
	closed  bool
}

func New(a adapter.ProtocolAdapter, cfg config.TransportConfig, logger *slog.Logger) *Handler {
	h := &Handler{
		adapter:      a,
		readLimit:    cfg.MaxMessageBytes,
		writeTimeout: time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		pingInterval: time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		logger:       logger.With(slog.String("component", "transport.ws")),
		sockets:      make(map[*socket]struct{}),
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 5 * time.Second
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// Active reports open connections.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// Close sends a going-away frame to every open socket. Their read loops
// then fail and tear their sessions down.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	sockets := make([]*socket, 0, len(h.sockets))
	for s := range h.sockets {
		sockets = append(sockets, s)
	}
	h.mu.Unlock()
	for _, s := range sockets {
		s.shutdown()
	}
}

func (h *Handler) track(s *socket) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sockets[s] = struct{}{}
	return true
}

func (h *Handler) untrack(s *socket) {
	h.mu.Lock()
	delete(h.sockets, s)
	h.mu.Unlock()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.active.Add(1)
	defer h.active.Add(-1)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	out := &socket{ws: ws, writeTimeout: h.writeTimeout}
	if !h.track(out) {
		out.shutdown()
		_ = ws.Close()
		return
	}
	defer h.untrack(out)
	conn := h.adapter.Connect("", out)
	logger := h.logger.With(slog.String("conn_id", conn.ID()), slog.String("remote", r.RemoteAddr))
	logger.Info("websocket connected")

	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}
	if h.pingInterval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
		})
		go out.keepAlive(ctx, h.pingInterval)
	}

	defer func() {
		cancel()
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		h.adapter.Disconnect(dctx, conn)
		_ = ws.Close()
	}()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Info("websocket closed")
			} else {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			h.adapter.Control(ctx, conn, data)
		case websocket.BinaryMessage:
			h.adapter.Audio(ctx, conn, data)
		}
		// Pongs are only handled inside ReadMessage, so a slow dispatch
		// must not use up the peer's liveness window.
		if h.pingInterval > 0 {
			out.extendRead(2 * h.pingInterval)
		}
	}
}

// socket serializes writes; gorilla allows one concurrent writer.
type socket struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closing      bool
}

func (s *socket) Emit(_ context.Context, event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteJSON(event)
}

func (s *socket) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	_ = s.ws.SetReadDeadline(time.Now())
}

// extendRead pushes the read deadline out unless shutdown has already
// expired it.
func (s *socket) extendRead(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	_ = s.ws.SetReadDeadline(time.Now().Add(d))
}

func (s *socket) keepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// originChecker allows requests without an Origin header and, for browser
// requests, origins on the list. An empty list or "*" allows any origin.
func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			allowAll = true
		}
		set[strings.ToLower(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
