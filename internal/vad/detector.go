package vad

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Detector classifies audio chunks as speech or silence by RMS energy.
// Classification looks at the chunk alone; callers accumulate state.
type Detector struct {
	threshold float64

	totalChunks  atomic.Uint64
	voiceChunks  atomic.Uint64
	silentFrames atomic.Uint64
}

// Result describes one classified chunk.
type Result struct {
	RMS      float64 `json:"rms"`
	HasVoice bool    `json:"has_voice"`
	Samples  int     `json:"samples"`
}

type Stats struct {
	Threshold       float64 `json:"threshold"`
	TotalChunks     uint64  `json:"total_chunks"`
	VoiceChunks     uint64  `json:"voice_chunks"`
	VoicePercentage float64 `json:"voice_percentage"`
	SilentSamples   uint64  `json:"silent_samples"`
}

func NewDetector(threshold float64) (*Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	return &Detector{threshold: threshold}, nil
}

// Classify computes the chunk's RMS and compares it to the threshold. An
// empty chunk has zero energy and counts as silence of length zero.
func (d *Detector) Classify(samples []float32) Result {
	rms := RMS(samples)
	res := Result{RMS: rms, HasVoice: rms >= d.threshold, Samples: len(samples)}
	d.totalChunks.Add(1)
	if res.HasVoice {
		d.voiceChunks.Add(1)
	} else {
		d.silentFrames.Add(uint64(len(samples)))
	}
	return res
}

func (d *Detector) Stats() Stats {
	total := d.totalChunks.Load()
	voice := d.voiceChunks.Load()
	var pct float64
	if total > 0 {
		pct = float64(voice) / float64(total) * 100
	}
	return Stats{
		Threshold:       d.threshold,
		TotalChunks:     total,
		VoiceChunks:     voice,
		VoicePercentage: pct,
		SilentSamples:   d.silentFrames.Load(),
	}
}

func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}
