package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/vad"
)

type State int

const (
	StateCreated State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	Model           string    `json:"model,omitempty"`
	Language        string    `json:"language,omitempty"`
	TotalSamples    int64     `json:"total_samples"`
	BufferedSamples int       `json:"buffered_samples"`
	SilenceSamples  int       `json:"silence_samples"`
	Finals          int       `json:"finals"`
	Interims        int       `json:"interims"`
	EngineCalls     int       `json:"engine_calls"`
	EngineFailures  int       `json:"engine_failures"`
	StartedAt       time.Time `json:"started_at"`
	LastActivity    time.Time `json:"last_activity"`
	VAD             vad.Stats `json:"vad"`
}

// Session is the streaming state machine for one connection.
//
// Exactly one Ingest or Stop runs at a time: callers take the session's
// turn, a one-slot channel, before touching the buffer. A second Ingest
// waits for the first, including its engine pass, to return. The mutex only
// protects fields read by accessors from other goroutines.
type Session struct {
	id       string
	cfg      Config
	opts     engine.Options
	eng      engine.Engine
	detector *vad.Detector
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	turn      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	buffer       []float32
	totalSamples int64
	silence      int
	transcript   string
	lastInterim  string
	failures     int
	finals       int
	interims     int
	engineCalls  int
	engineFails  int
	startedAt    time.Time
	lastActivity time.Time
}

// New builds a session around eng. The session owns eng and closes it when
// it stops.
func New(id string, eng engine.Engine, cfg Config, opts engine.Options, logger *slog.Logger) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, fmt.Errorf("stream: session %s has no engine", id)
	}
	detector, err := vad.NewDetector(cfg.VADThreshold)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		id:           id,
		cfg:          cfg,
		opts:         opts,
		eng:          eng,
		detector:     detector,
		logger:       logger.With(slog.String("component", "stream"), slog.String("session_id", id)),
		ctx:          ctx,
		cancel:       cancel,
		turn:         make(chan struct{}, 1),
		state:        StateCreated,
		buffer:       make([]float32, 0, cfg.MinSamples),
		startedAt:    now,
		lastActivity: now,
	}, nil
}

// Start moves a created session to active. Starting an active session is a
// no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStopped:
		return ErrSessionClosed
	case StateCreated:
		s.state = StateActive
		s.startedAt = time.Now()
		s.lastActivity = s.startedAt
	}
	return nil
}

// Ingest appends one chunk of normalized mono samples and returns the
// resulting transcription. Calls for the same session are serialized.
func (s *Session) Ingest(ctx context.Context, samples []float32) (Result, error) {
	if err := s.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer s.releaseTurn()

	s.mu.Lock()
	switch s.state {
	case StateCreated:
		s.mu.Unlock()
		return Result{}, ErrSessionNotStarted
	case StateStopped:
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}

	s.buffer = append(s.buffer, samples...)
	s.totalSamples += int64(len(samples))
	s.lastActivity = time.Now()
	if s.detector.Classify(samples).HasVoice {
		s.silence = 0
	} else {
		s.silence += len(samples)
	}

	if len(s.buffer) < s.cfg.MinSamples {
		s.mu.Unlock()
		return Result{IsPartial: true}, nil
	}
	snapshot := append([]float32(nil), s.buffer...)
	s.mu.Unlock()

	return s.transcribe(ctx, snapshot, false)
}

// transcribe runs one engine pass over snapshot and applies the
// finalization policy. The caller holds the turn.
func (s *Session) transcribe(ctx context.Context, snapshot []float32, force bool) (Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(s.ctx, cancel)
	defer stopAfter()
	s.mu.Lock()
	s.engineCalls++
	s.mu.Unlock()

	segments, err := engine.Collect(s.eng.Process(runCtx, snapshot))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		// Stop gave up waiting and released the session under us.
		return Result{}, ErrSessionClosed
	}
	if err != nil {
		if s.ctx.Err() != nil {
			return Result{}, ErrSessionClosed
		}
		return Result{}, s.recordFailure(err)
	}
	s.failures = 0

	text, kept := assemble(segments, s.cfg.Placeholders)
	final := force || s.silence >= s.cfg.SilenceSamples || len(s.buffer) >= s.cfg.MaxSamples
	if !final {
		s.interims++
		s.lastInterim = text
		return Result{Text: text, IsPartial: true, Segments: kept}, nil
	}

	s.finals++
	if text != "" {
		if s.transcript != "" {
			s.transcript += " "
		}
		s.transcript += text
	}
	s.keepTail(s.cfg.OverlapSamples)
	s.silence = 0
	s.lastInterim = ""
	s.logger.Debug("segment finalized",
		slog.Int("chars", len(text)),
		slog.Bool("forced", force),
		slog.Int64("total_samples", s.totalSamples))
	return Result{Text: text, IsPartial: false, Segments: kept}, nil
}

// recordFailure counts a failed pass and trims the buffer to its newest
// MaxSamples so the bound holds while the engine is unavailable. Caller
// holds mu.
func (s *Session) recordFailure(err error) error {
	s.failures++
	s.engineFails++
	s.keepTail(s.cfg.MaxSamples)
	engErr := &EngineError{Err: err, Consecutive: s.failures}
	s.logger.Warn("engine pass failed", slog.String("error", err.Error()), slog.Int("consecutive", s.failures))
	if s.failures >= s.cfg.MaxEngineFailures {
		return fmt.Errorf("%w: %w", ErrEngineFatal, engErr)
	}
	return engErr
}

// keepTail truncates the buffer to its newest n samples in place.
func (s *Session) keepTail(n int) {
	if len(s.buffer) <= n {
		return
	}
	copied := copy(s.buffer, s.buffer[len(s.buffer)-n:])
	s.buffer = s.buffer[:copied]
}

// Stop flushes buffered audio as a final result and moves the session to
// stopped. If an ingest is still running after StopGrace, its engine pass
// is cancelled; if it has not returned one grace period later the session
// is released without a flush and the straggler's output is discarded.
func (s *Session) Stop(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	s.mu.Unlock()

	acquired := s.waitTurn(ctx, s.cfg.StopGrace)
	cancelled := false
	if !acquired {
		s.logger.Warn("ingest still running at stop, cancelling engine pass")
		s.cancel()
		cancelled = true
		acquired = s.waitTurn(ctx, s.cfg.StopGrace)
	}
	if !acquired {
		s.mu.Lock()
		if s.state == StateStopped {
			s.mu.Unlock()
			return Result{}, ErrSessionClosed
		}
		s.state = StateStopped
		s.mu.Unlock()
		s.logger.Warn("forced session release without flush")
		s.close()
		return Result{}, nil
	}
	defer s.releaseTurn()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	flush := !cancelled && s.state == StateActive && len(s.buffer) >= s.cfg.MinSamples
	snapshot := append([]float32(nil), s.buffer...)
	s.mu.Unlock()

	// Runs even if the engine panics during the flush.
	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		s.close()
	}()

	if !flush {
		return Result{}, nil
	}
	return s.transcribe(ctx, snapshot, true)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.eng.Close(); err != nil {
			s.logger.Warn("engine close failed", slog.String("error", err.Error()))
		}
	})
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
	if s.ctx.Err() != nil {
		s.releaseTurn()
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) waitTurn(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case s.turn <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) releaseTurn() {
	<-s.turn
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Options() engine.Options {
	return s.opts
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the space-joined text of every final result so far.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Session) LastInterim() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInterim
}

func (s *Session) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:              s.id,
		State:           s.state.String(),
		Model:           s.opts.Model,
		Language:        s.opts.Language,
		TotalSamples:    s.totalSamples,
		BufferedSamples: len(s.buffer),
		SilenceSamples:  s.silence,
		Finals:          s.finals,
		Interims:        s.interims,
		EngineCalls:     s.engineCalls,
		EngineFailures:  s.engineFails,
		StartedAt:       s.startedAt,
		LastActivity:    s.lastActivity,
		VAD:             s.detector.Stats(),
	}
}
