package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
)

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionNotStarted = errors.New("session not started")
	ErrEngineFatal       = errors.New("engine failed repeatedly")
)

// Result is the outcome of one ingest or stop. Empty text with IsPartial
// set means there is nothing to report yet.
type Result struct {
	Text      string           `json:"text"`
	IsPartial bool             `json:"is_partial"`
	Segments  []engine.Segment `json:"segments,omitempty"`
}

// Empty reports whether the result is a final result without text.
// Such results are not worth sending to a client.
func (r Result) Empty() bool {
	return !r.IsPartial && r.Text == ""
}

// EngineError wraps a failed or cancelled engine pass.
type EngineError struct {
	Err         error
	Consecutive int
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine failure (%d consecutive): %v", e.Consecutive, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// cleanTranscript deletes every placeholder literal and collapses runs of
// whitespace. Text on either side of a placeholder is joined as-is.
func cleanTranscript(text string, placeholders []string) string {
	for _, p := range placeholders {
		if p == "" {
			continue
		}
		text = strings.ReplaceAll(text, p, "")
	}
	return strings.Join(strings.Fields(text), " ")
}

// assemble concatenates segment text in order and cleans it. Segments whose
// text cleans to nothing are dropped from the returned list.
func assemble(segments []engine.Segment, placeholders []string) (string, []engine.Segment) {
	var b strings.Builder
	kept := make([]engine.Segment, 0, len(segments))
	for _, seg := range segments {
		b.WriteString(seg.Text)
		if cleaned := cleanTranscript(seg.Text, placeholders); cleaned != "" {
			seg.Text = cleaned
			kept = append(kept, seg)
		}
	}
	return cleanTranscript(b.String(), placeholders), kept
}
