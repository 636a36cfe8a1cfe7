package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/bus"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/protocol"
)

const (
	inboxSize          = 64
	defaultIdleTimeout = 2 * time.Minute
	disconnectTimeout  = 10 * time.Second
)

// Server carries the streaming protocol over NATS subjects.
//
// Start commands arrive through a queue group so exactly one node picks up
// a new session. That node then subscribes to the session's own subjects,
// which keeps every later control and audio message on the node holding
// the session, in publish order. Clients wait for the started event before
// publishing audio.
type Server struct {
	conn    *nats.Conn
	adapter adapter.ProtocolAdapter
	root    string
	queue   string
	idle    time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	sub     *nats.Subscription
	workers map[string]*worker
	ready   bool
}

type worker struct {
	id    string
	conn  *adapter.Conn
	inbox chan *nats.Msg
	done  chan struct{}
	sub   *nats.Subscription
}

func New(parent context.Context, client *bus.Client, a adapter.ProtocolAdapter, cfg config.TransportConfig, idle time.Duration, logger *slog.Logger) *Server {
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		conn:    client.Conn(),
		adapter: a,
		root:    cfg.NATSSubjectRoot,
		queue:   cfg.NATSQueueGroup,
		idle:    idle,
		logger:  logger.With(slog.String("component", "transport.nats")),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
}

func (s *Server) Start() error {
	subject := protocol.SessionWildcard(s.root, protocol.KindControl)
	sub, err := s.conn.QueueSubscribe(subject, s.queue, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("listening for sessions", slog.String("subject", subject), slog.String("queue", s.queue))
	return nil
}

func (s *Server) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Sessions reports how many session subscriptions this node holds.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting sessions and disconnects every session this node
// holds.
func (s *Server) Close() {
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

// handleControl runs on the queue subscription. Only start commands and
// malformed messages are handled here; the owning node's session
// subscription handles the rest.
func (s *Server) handleControl(msg *nats.Msg) {
	id, kind, ok := protocol.ParseSessionSubject(s.root, msg.Subject)
	if !ok || kind != protocol.KindControl {
		return
	}
	cmd, err := protocol.ParseCommand(msg.Data)
	if err == nil && cmd.Type != protocol.TypeStart {
		return
	}
	if err == nil && cmd.SessionID != "" && cmd.SessionID != id {
		s.publish(id, protocol.NewError(id, adapter.CategoryInvalidMessage,
			fmt.Sprintf("session_id %q does not match subject", cmd.SessionID)))
		return
	}
	for {
		w, err := s.worker(id)
		if err != nil {
			s.logger.Warn("cannot subscribe session", slog.String("session_id", id), slog.String("error", err.Error()))
			s.publish(id, protocol.NewError(id, adapter.CategoryInternal, "session subscription failed"))
			return
		}
		if s.push(w, msg) {
			return
		}
	}
}

// handleSession runs on a session's own subscription.
func (s *Server) handleSession(w *worker) nats.MsgHandler {
	return func(msg *nats.Msg) {
		_, kind, ok := protocol.ParseSessionSubject(s.root, msg.Subject)
		if !ok {
			return
		}
		switch kind {
		case protocol.KindAudio:
		case protocol.KindControl:
			cmd, err := protocol.ParseCommand(msg.Data)
			if err != nil || cmd.Type == protocol.TypeStart {
				return
			}
		default:
			return
		}
		s.push(w, msg)
	}
}

// worker returns the worker for id, starting one if needed.
func (s *Server) worker(id string) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.workers[id]; w != nil {
		return w, nil
	}
	if s.ctx.Err() != nil {
		return nil, s.ctx.Err()
	}
	w := &worker{
		id:    id,
		inbox: make(chan *nats.Msg, inboxSize),
		done:  make(chan struct{}),
	}
	w.conn = s.adapter.Connect(id, &emitter{server: s, sessionID: id})
	sub, err := s.conn.Subscribe(protocol.SessionSubject(s.root, id, "*"), s.handleSession(w))
	if err != nil {
		return nil, err
	}
	w.sub = sub
	s.workers[id] = w
	s.wg.Add(1)
	go s.run(w)
	return w, nil
}

// push queues msg for w. It reports false if w retired first.
func (s *Server) push(w *worker, msg *nats.Msg) bool {
	s.mu.Lock()
	select {
	case <-w.done:
		s.mu.Unlock()
		return false
	case w.inbox <- msg:
		s.mu.Unlock()
		return true
	default:
	}
	s.mu.Unlock()
	select {
	case w.inbox <- msg:
		return true
	case <-w.done:
		return false
	}
}

func (s *Server) run(w *worker) {
	defer s.wg.Done()
	timer := time.NewTimer(s.idle)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.retire(w, true)
			s.disconnect(w)
			return
		case <-timer.C:
			if s.retire(w, false) {
				s.logger.Info("session subscription idle", slog.String("session_id", w.id))
				s.disconnect(w)
				return
			}
			timer.Reset(s.idle)
		case msg := <-w.inbox:
			s.dispatch(w, msg)
			if w.conn.SessionID() == "" && s.retire(w, false) {
				return
			}
			timer.Reset(s.idle)
		}
	}
}

func (s *Server) dispatch(w *worker, msg *nats.Msg) {
	_, kind, _ := protocol.ParseSessionSubject(s.root, msg.Subject)
	switch kind {
	case protocol.KindControl:
		s.adapter.Control(s.ctx, w.conn, msg.Data)
	case protocol.KindAudio:
		s.adapter.Audio(s.ctx, w.conn, msg.Data)
	}
}

// retire removes w unless messages are still queued for it. force retires
// regardless.
func (s *Server) retire(w *worker, force bool) bool {
	s.mu.Lock()
	if !force && len(w.inbox) > 0 {
		s.mu.Unlock()
		return false
	}
	if s.workers[w.id] == w {
		delete(s.workers, w.id)
	}
	close(w.done)
	s.mu.Unlock()
	if err := w.sub.Unsubscribe(); err != nil && s.conn.IsConnected() {
		s.logger.Debug("unsubscribe failed", slog.String("session_id", w.id), slog.String("error", err.Error()))
	}
	return true
}

func (s *Server) disconnect(w *worker) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	s.adapter.Disconnect(ctx, w.conn)
}

func (s *Server) publish(sessionID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.conn.Publish(protocol.SessionSubject(s.root, sessionID, protocol.KindEvents), data)
}

type emitter struct {
	server    *Server
	sessionID string
}

func (e *emitter) Emit(_ context.Context, event any) error {
	return e.server.publish(e.sessionID, event)
}
