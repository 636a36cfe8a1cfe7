package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer runs a NATS broker in-process so a single node needs no
// external infrastructure for the bus transport.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches an embedded broker when the bus is enabled and configured
// as embedded. It returns nil otherwise.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "natsserver"))

	opts := &server.Options{
		Host:   "0.0.0.0",
		Port:   cfg.Port,
		NoSigs: true,
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.Int("port", cfg.Port),
		slog.String("url", ns.ClientURL()))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown gracefully shuts down the embedded NATS server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
