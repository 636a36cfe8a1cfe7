package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

var (
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	ErrSessionExists    = errors.New("session already exists")
	ErrNotFound         = errors.New("session not found")
	ErrClosed           = errors.New("pool closed")
)

type Reason string

const (
	ReasonReleased Reason = "released"
	ReasonIdle     Reason = "idle"
	ReasonShutdown Reason = "shutdown"
)

// Listener observes session lifecycle transitions. Calls happen outside the
// pool lock, after the transition completed.
type Listener interface {
	SessionOpened(stats stream.Stats)
	SessionReleased(stats stream.Stats, reason Reason, err error)
}

type Config struct {
	Capacity       int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	Stream         stream.Config
}

func NewConfig(cfg config.Config) Config {
	return Config{
		Capacity:       cfg.Pool.MaxSessions,
		AcquireTimeout: time.Duration(cfg.Pool.AcquireTimeoutMS) * time.Millisecond,
		IdleTimeout:    time.Duration(cfg.Pool.IdleTimeoutMS) * time.Millisecond,
		Stream:         stream.NewConfig(cfg.Stream),
	}
}

// Pool bounds the number of live sessions and owns their lifetime. A
// session is registered only while it holds a slot; every path that fails
// after acquiring a slot gives it back.
type Pool struct {
	cfg      Config
	factory  engine.Factory
	logger   *slog.Logger
	sem      *semaphore.Weighted
	held     atomic.Int64
	listener Listener

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	rejected metric.Int64Counter
	reg      metric.Registration

	stopReaper context.CancelFunc
	wg         sync.WaitGroup
}

// entry is registered before construction so duplicate ids are rejected
// while the engine is still loading; session stays nil until then.
type entry struct {
	session *stream.Session
	slot    *Slot
}

// Slot is one unit of capacity. Release is idempotent.
type Slot struct {
	pool *Pool
	once sync.Once
}

func (s *Slot) Release() {
	s.once.Do(func() {
		s.pool.held.Add(-1)
		s.pool.sem.Release(1)
	})
}

func New(cfg Config, factory engine.Factory, listener Listener, logger *slog.Logger) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool: capacity must be >= 1, got %d", cfg.Capacity)
	}
	if factory == nil {
		return nil, errors.New("pool: engine factory is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   logger.With(slog.String("component", "pool")),
		sem:      semaphore.NewWeighted(int64(cfg.Capacity)),
		listener: listener,
		sessions: make(map[string]*entry),
	}
	p.initMetrics()

	if cfg.IdleTimeout > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.stopReaper = cancel
		p.wg.Add(1)
		go p.reapLoop(ctx)
	}
	return p, nil
}

func (p *Pool) initMetrics() {
	meter := otel.Meter("github.com/reza1984/Barid.Fonix.AI.Whisper/internal/pool")
	p.rejected, _ = meter.Int64Counter("whisper_pool_rejections_total",
		metric.WithDescription("Session opens rejected because every slot was taken"))
	active, err := meter.Int64ObservableGauge("whisper_pool_sessions_active",
		metric.WithDescription("Sessions currently registered in the pool"))
	if err != nil {
		return
	}
	slots, err := meter.Int64ObservableGauge("whisper_pool_slots_held",
		metric.WithDescription("Capacity slots currently held"))
	if err != nil {
		return
	}
	capacity, err := meter.Int64ObservableGauge("whisper_pool_capacity",
		metric.WithDescription("Configured maximum of concurrent sessions"))
	if err != nil {
		return
	}
	p.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(active, int64(p.Len()))
		o.ObserveInt64(slots, p.held.Load())
		o.ObserveInt64(capacity, int64(p.cfg.Capacity))
		return nil
	}, active, slots, capacity)
	if err != nil {
		p.logger.Warn("failed to register pool metrics", slog.String("error", err.Error()))
	}
}

// Acquire takes one slot, waiting up to the configured acquire timeout. A
// zero timeout fails immediately when the pool is full.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	if p.cfg.AcquireTimeout <= 0 {
		if !p.sem.TryAcquire(1) {
			p.reject(ctx)
			return nil, ErrCapacityExceeded
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
		if err := p.sem.Acquire(waitCtx, 1); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.reject(ctx)
			return nil, ErrCapacityExceeded
		}
	}
	p.held.Add(1)
	return &Slot{pool: p}, nil
}

func (p *Pool) reject(ctx context.Context) {
	if p.rejected != nil {
		p.rejected.Add(ctx, 1)
	}
}

// Open acquires a slot, builds an engine and a started session, and
// registers it under id. On any failure nothing stays registered and the
// slot and engine are released.
func (p *Pool) Open(ctx context.Context, id string, opts engine.Options) (*stream.Session, error) {
	if id == "" {
		return nil, errors.New("pool: empty session id")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	reserved := &entry{}
	p.sessions[id] = reserved
	p.mu.Unlock()

	registered := false
	var slot *Slot
	defer func() {
		if registered {
			return
		}
		p.mu.Lock()
		if p.sessions[id] == reserved {
			delete(p.sessions, id)
		}
		p.mu.Unlock()
		if slot != nil {
			slot.Release()
		}
	}()

	slot, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := p.factory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	sess, err := stream.New(id, eng, p.cfg.Stream, opts, p.logger)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	if err := sess.Start(); err != nil {
		_, _ = sess.Stop(ctx)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_, _ = sess.Stop(ctx)
		return nil, ErrClosed
	}
	reserved.session = sess
	reserved.slot = slot
	registered = true
	p.mu.Unlock()

	p.logger.Info("session opened", slog.String("session_id", id), slog.String("model", opts.Model))
	if p.listener != nil {
		p.listener.SessionOpened(sess.Stats())
	}
	return sess, nil
}

func (p *Pool) Get(id string) (*stream.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.sessions[id]
	if e == nil || e.session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.session, nil
}

// Release stops the session registered under id, flushing its buffered
// audio, and frees its slot. Unknown or already released ids are a no-op.
func (p *Pool) Release(ctx context.Context, id string) (stream.Result, error) {
	return p.release(ctx, id, ReasonReleased)
}

func (p *Pool) release(ctx context.Context, id string, reason Reason) (stream.Result, error) {
	p.mu.Lock()
	e := p.sessions[id]
	if e == nil || e.session == nil {
		p.mu.Unlock()
		return stream.Result{}, nil
	}
	delete(p.sessions, id)
	p.mu.Unlock()

	defer e.slot.Release()
	defer func() {
		// A panicking flush still closes the audit record; the caller
		// decides how to report the panic itself.
		if r := recover(); r != nil {
			if p.listener != nil {
				p.listener.SessionReleased(e.session.Stats(), reason, fmt.Errorf("panic during stop: %v", r))
			}
			panic(r)
		}
	}()
	res, err := e.session.Stop(ctx)
	if errors.Is(err, stream.ErrSessionClosed) {
		err = nil
	}
	stats := e.session.Stats()
	p.logger.Info("session released",
		slog.String("session_id", id),
		slog.String("reason", string(reason)),
		slog.Int("finals", stats.Finals),
		slog.Int64("total_samples", stats.TotalSamples))
	if p.listener != nil {
		p.listener.SessionReleased(stats, reason, err)
	}
	return res, err
}

// Len reports registered sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.sessions {
		if e.session != nil {
			n++
		}
	}
	return n
}

func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

// InUse reports held slots, including those of sessions still being built.
func (p *Pool) InUse() int {
	return int(p.held.Load())
}

func (p *Pool) Snapshot() []stream.Stats {
	p.mu.Lock()
	sessions := make([]*stream.Session, 0, len(p.sessions))
	for _, e := range p.sessions {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	p.mu.Unlock()

	out := make([]stream.Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) reapLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.cfg.IdleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.ReapIdle(ctx, now)
		}
	}
}

// ReapIdle releases sessions whose last activity is older than the idle
// timeout and returns their ids.
func (p *Pool) ReapIdle(ctx context.Context, now time.Time) []string {
	if p.cfg.IdleTimeout <= 0 {
		return nil
	}
	p.mu.Lock()
	var idle []string
	for id, e := range p.sessions {
		if e.session != nil && now.Sub(e.session.LastActivity()) > p.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	p.mu.Unlock()

	for _, id := range idle {
		p.logger.Info("reaping idle session", slog.String("session_id", id))
		if _, err := p.release(ctx, id, ReasonIdle); err != nil {
			p.logger.Warn("idle release failed", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	return idle
}

// Close releases every session and rejects further opens.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	if p.stopReaper != nil {
		p.stopReaper()
	}
	p.wg.Wait()

	var errs []error
	for _, id := range ids {
		if _, err := p.release(ctx, id, ReasonShutdown); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}
	if p.reg != nil {
		if err := p.reg.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
