package engine

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/vad"
)

const mockSilenceRMS = 0.001

type mockEngine struct {
	sampleRate int
}

// NewMock returns a deterministic engine for development and tests. It
// emits one segment per started second of audio, or a blank-audio
// placeholder when the buffer carries no energy.
func NewMock(sampleRate int) Engine {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &mockEngine{sampleRate: sampleRate}
}

func (m *mockEngine) Process(ctx context.Context, samples []float32) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Segment{}, err)
			return
		}
		total := samplesDuration(len(samples), m.sampleRate)
		if vad.RMS(samples) < mockSilenceRMS {
			yield(Segment{Start: 0, End: total, Text: "[BLANK_AUDIO]"}, nil)
			return
		}
		for i, start := 0, time.Duration(0); start < total; i, start = i+1, start+time.Second {
			if err := ctx.Err(); err != nil {
				yield(Segment{}, err)
				return
			}
			end := min(start+time.Second, total)
			if !yield(Segment{Start: start, End: end, Text: fmt.Sprintf(" word%d", i+1)}, nil) {
				return
			}
		}
	}
}

func (m *mockEngine) Close() error {
	return nil
}
