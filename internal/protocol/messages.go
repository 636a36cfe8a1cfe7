package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMessage = errors.New("invalid message")

const (
	TypeStart         = "start"
	TypeStarted       = "started"
	TypeTranscription = "transcription"
	TypeStop          = "stop"
	TypeStopped       = "stopped"
	TypeError         = "error"
)

// Command is an inbound control message.
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Started acknowledges a start command.
type Started struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Segment is the wire form of a timed text segment, offsets in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription carries one interim or final result.
type Transcription struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	IsPartial bool      `json:"is_partial"`
	Segments  []Segment `json:"segments,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stopped acknowledges a stop command with the cumulative transcript.
type Stopped struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
}

// Error reports a processing failure with a machine-readable category.
type Error struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Category  string `json:"category"`
	Message   string `json:"message"`
}

func NewStarted(sessionID, model, language string) Started {
	return Started{Type: TypeStarted, SessionID: sessionID, Model: model, Language: language}
}

func NewStopped(sessionID, transcript string) Stopped {
	return Stopped{Type: TypeStopped, SessionID: sessionID, Transcript: transcript}
}

func NewError(sessionID, category, message string) Error {
	return Error{Type: TypeError, SessionID: sessionID, Category: category, Message: message}
}

// ParseCommand decodes a control message. Unknown types are rejected.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch cmd.Type {
	case TypeStart, TypeStop:
		return cmd, nil
	case "":
		return Command{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, cmd.Type)
	}
}
