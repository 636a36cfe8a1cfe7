package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/audio"
)

// execEngine runs a whisper.cpp style command line per Process call. The
// buffer is written to a temporary WAV file passed with --audio; the command
// prints a JSON document with the recognized segments on stdout.
type execEngine struct {
	cmd       []string
	modelPath string
	opts      Options
	logger    *slog.Logger
}

type execResult struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

type execSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	return args, nil
}

func newExecEngine(cmd []string, modelPath string, opts Options, logger *slog.Logger) *execEngine {
	return &execEngine{cmd: cmd, modelPath: modelPath, opts: opts, logger: logger}
}

// NewExec parses command and returns an engine that shells out to it.
func NewExec(command, modelPath string, opts Options, logger *slog.Logger) (Engine, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return newExecEngine(args, modelPath, opts, logger), nil
}

func (e *execEngine) Process(ctx context.Context, samples []float32) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		segments, err := e.run(ctx, samples)
		if err != nil {
			yield(Segment{}, err)
			return
		}
		for _, seg := range segments {
			if !yield(seg, nil) {
				return
			}
		}
	}
}

func (e *execEngine) run(ctx context.Context, samples []float32) ([]Segment, error) {
	file, err := os.CreateTemp(os.TempDir(), "whisper_chunk_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeFloat32(file, samples, e.opts.SampleRate); err != nil {
		return nil, err
	}

	base := e.cmd[0]
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.modelPath)
	}
	if e.opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.opts.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("engine command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if len(resp.Segments) == 0 {
		if strings.TrimSpace(resp.Text) == "" {
			return nil, nil
		}
		return []Segment{{
			Start: 0,
			End:   samplesDuration(len(samples), e.opts.SampleRate),
			Text:  resp.Text,
		}}, nil
	}
	out := make([]Segment, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		out = append(out, Segment{
			Start: secondsToDuration(seg.Start),
			End:   secondsToDuration(seg.End),
			Text:  seg.Text,
		})
	}
	e.logger.Debug("engine command finished", slog.Int("segments", len(out)), slog.Int("samples", len(samples)))
	return out, nil
}

func (e *execEngine) Close() error {
	return nil
}
