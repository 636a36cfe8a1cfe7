package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrUnknownMode  = errors.New("unknown engine mode")
)

// Segment is a timed piece of recognized text, offsets relative to the
// start of the buffer handed to Process.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Engine abstracts speech recognition backends. Process is lazy: no work
// happens until the sequence is ranged over, and ranging stops early when
// ctx is cancelled. An Engine is owned by one session and need not be safe
// for concurrent Process calls.
type Engine interface {
	Process(ctx context.Context, samples []float32) iter.Seq2[Segment, error]
	Close() error
}

// Options selects the model and language for one engine instance.
type Options struct {
	Model      string
	Language   string
	SampleRate int
}

// Factory builds an engine for a new session.
type Factory func(ctx context.Context, opts Options) (Engine, error)

// NewFactory returns the factory for cfg.Mode. Model names are resolved
// against cfg.Models; an empty name selects cfg.DefaultModel.
func NewFactory(cfg config.EngineConfig, sampleRate int, logger *slog.Logger) (Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "engine"), slog.String("mode", cfg.Mode))

	var build func(opts Options, modelPath string) (Engine, error)
	switch cfg.Mode {
	case "mock":
		build = func(opts Options, _ string) (Engine, error) {
			return NewMock(opts.SampleRate), nil
		}
	case "exec":
		args, err := parseCommand(cfg.Command)
		if err != nil {
			return nil, err
		}
		build = func(opts Options, modelPath string) (Engine, error) {
			return newExecEngine(args, modelPath, opts, logger), nil
		}
	case "http":
		if cfg.Endpoint == "" {
			return nil, errors.New("http engine endpoint is empty")
		}
		timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
		build = func(opts Options, _ string) (Engine, error) {
			return NewHTTP(HTTPConfig{
				Endpoint: cfg.Endpoint,
				APIKey:   cfg.APIKey,
				Timeout:  timeout,
			}, opts), nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}

	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return func(ctx context.Context, opts Options) (Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		model, path, err := resolveModel(cfg, opts.Model)
		if err != nil {
			return nil, err
		}
		opts.Model = model
		if opts.Language == "" {
			opts.Language = cfg.Language
		}
		if opts.SampleRate <= 0 {
			opts.SampleRate = sampleRate
		}
		eng, err := build(opts, path)
		if err != nil {
			return nil, err
		}
		logger.Debug("engine created", slog.String("model", model), slog.String("language", opts.Language))
		return Instrument(WithTimeout(eng, timeout), cfg.Mode, model), nil
	}, nil
}

func resolveModel(cfg config.EngineConfig, name string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = cfg.DefaultModel
	}
	if len(cfg.Models) == 0 {
		return name, "", nil
	}
	path, ok := cfg.Models[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return name, path, nil
}

// Collect drains seq, returning segments in order. The first error stops
// collection and is returned with the segments gathered so far.
func Collect(seq iter.Seq2[Segment, error]) ([]Segment, error) {
	var segments []Segment
	for seg, err := range seq {
		if err != nil {
			return segments, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// WithTimeout bounds every Process call of e. A zero timeout returns e.
func WithTimeout(e Engine, timeout time.Duration) Engine {
	if timeout <= 0 {
		return e
	}
	return &timeoutEngine{Engine: e, timeout: timeout}
}

type timeoutEngine struct {
	Engine
	timeout time.Duration
}

func (t *timeoutEngine) Process(ctx context.Context, samples []float32) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		for seg, err := range t.Engine.Process(ctx, samples) {
			if !yield(seg, err) {
				return
			}
		}
	}
}

func samplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
