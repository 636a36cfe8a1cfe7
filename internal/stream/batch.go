package stream

import (
	"context"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
)

// TranscribeAll runs a single engine pass over a whole recording and
// returns it as one final result. No buffering or voice activity logic is
// applied.
func TranscribeAll(ctx context.Context, eng engine.Engine, samples []float32, placeholders []string) (Result, error) {
	if placeholders == nil {
		placeholders = DefaultPlaceholders
	}
	segments, err := engine.Collect(eng.Process(ctx, samples))
	if err != nil {
		return Result{}, &EngineError{Err: err, Consecutive: 1}
	}
	text, kept := assemble(segments, placeholders)
	return Result{Text: text, IsPartial: false, Segments: kept}, nil
}
