package stream

import (
	"errors"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
)

// DefaultPlaceholders are the non-speech markers whisper-family engines emit
// in place of text.
var DefaultPlaceholders = []string{
	"[BLANK_AUDIO]",
	"[MUSIC]",
	"[NOISE]",
	"[SILENCE]",
	"[INAUDIBLE]",
	"[no speech detected]",
	"(music)",
	"(noise)",
	"(silence)",
	"(inaudible)",
}

// Config is the per-session segmentation policy in samples.
type Config struct {
	SampleRate        int
	MinSamples        int
	MaxSamples        int
	OverlapSamples    int
	SilenceSamples    int
	VADThreshold      float64
	StopGrace         time.Duration
	MaxEngineFailures int
	Placeholders      []string
}

func NewConfig(c config.StreamConfig) Config {
	placeholders := c.Placeholders
	if len(placeholders) == 0 {
		placeholders = DefaultPlaceholders
	}
	return Config{
		SampleRate:        c.SampleRate,
		MinSamples:        c.Samples(c.MinBufferMS),
		MaxSamples:        c.Samples(c.MaxBufferMS),
		OverlapSamples:    c.Samples(c.OverlapMS),
		SilenceSamples:    c.Samples(c.SilenceMS),
		VADThreshold:      c.VADThreshold,
		StopGrace:         time.Duration(c.StopGraceMS) * time.Millisecond,
		MaxEngineFailures: c.MaxEngineFailures,
		Placeholders:      placeholders,
	}
}

func (c Config) validate() error {
	switch {
	case c.SampleRate <= 0:
		return errors.New("stream: sample rate must be positive")
	case c.MinSamples <= 0:
		return errors.New("stream: min samples must be positive")
	case c.MaxSamples < c.MinSamples:
		return errors.New("stream: max samples must be >= min samples")
	case c.OverlapSamples < 0 || c.OverlapSamples >= c.MaxSamples:
		return errors.New("stream: overlap must be >= 0 and below max samples")
	case c.SilenceSamples <= 0:
		return errors.New("stream: silence samples must be positive")
	case c.StopGrace <= 0:
		return errors.New("stream: stop grace must be positive")
	case c.MaxEngineFailures < 1:
		return errors.New("stream: max engine failures must be >= 1")
	}
	return nil
}
