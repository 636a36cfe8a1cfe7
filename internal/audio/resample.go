package audio

// Downmix averages interleaved integer frames into mono and normalizes them
// to [-1, 1] using the full scale of bitDepth.
func Downmix(data []int, channels, bitDepth int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	scale := float64(int64(1) << (bitDepth - 1))
	frames := len(data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(data[i*channels+c])
		}
		out[i] = clamp(float32(sum / float64(channels) / scale))
	}
	return out
}

// Resample converts mono samples from one rate to another by linear
// interpolation. The input is returned unchanged when the rates match.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
