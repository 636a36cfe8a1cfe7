package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/audio"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/bus"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/capability"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/eventstore"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/natsserver"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/pool"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/protocol"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/transport/natsbus"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/transport/ws"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	httpServer    *http.Server
	telemetryStop func(context.Context) error
	metrics       http.Handler

	store      *eventstore.Store
	pool       *pool.Pool
	adapter    *adapter.Handler
	ws         *ws.Handler
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   *capability.Registry
	natsStream *natsbus.Server

	ready  atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
	addr   chan net.Addr
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
		addr:    make(chan net.Addr, 1),
	}
}

// Start brings up every component, serves until ctx is cancelled and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry
	r.metrics = metrics

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.addr <- listener.Addr()
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.Int("max_sessions", r.cfg.Pool.MaxSessions),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
	}
	r.logger.Info("runtime stopping")
	r.shutdown()
	return err
}

// Addr blocks until the HTTP listener is bound and returns its address.
func (r *Runtime) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-r.addr:
		r.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// build wires the session core and, when enabled, the bus.
func (r *Runtime) build(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	auditor := eventstore.NewAuditor(store, r.cfg.Node.ID, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunPruner(ctx, pruneInterval)
	}()

	factory, err := engine.NewFactory(r.cfg.Engine, r.cfg.Stream.SampleRate, r.logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	poolCfg := pool.NewConfig(r.cfg)
	p, err := pool.New(poolCfg, factory, auditor, r.logger)
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	r.pool = p

	r.adapter = adapter.New(adapter.Options{
		Pool:         p,
		Decoder:      audio.NewDecoder(r.cfg.Stream.SampleRate),
		Factory:      factory,
		Placeholders: poolCfg.Stream.Placeholders,
		Auditor:      auditor,
		Logger:       r.logger,
	})
	r.ws = ws.New(r.adapter, r.cfg.Transport, r.logger)

	if !r.cfg.Bus.Enabled {
		return nil
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.natsServer = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.capabilities(), r.load, client, r.logger)
	if err != nil {
		return err
	}
	r.registry = registry

	r.natsStream = natsbus.New(ctx, client, r.adapter, r.cfg.Transport, poolCfg.IdleTimeout, r.logger)
	return r.natsStream.Start()
}

func (r *Runtime) capabilities() []capability.Capability {
	attrs := map[string]string{
		"engine":        r.cfg.Engine.Mode,
		"default_model": r.cfg.Engine.DefaultModel,
		"sample_rate":   strconv.Itoa(r.cfg.Stream.SampleRate),
	}
	return []capability.Capability{
		{Name: protocol.CapabilityStreaming, Attributes: attrs},
		{Name: protocol.CapabilityBatch, Attributes: attrs},
	}
}

func (r *Runtime) load() capability.Load {
	return capability.Load{Active: r.pool.InUse(), Capacity: r.pool.Capacity()}
}

// shutdown stops accepting work first, then drains sessions, then closes
// the infrastructure they used.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.ws != nil {
		r.ws.Close()
	}
	if r.natsStream != nil {
		r.natsStream.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.pool != nil {
		if err := r.pool.Close(ctx); err != nil {
			r.logger.Error("pool shutdown error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}

	if r.telemetryStop != nil {
		if err := r.telemetryStop(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
