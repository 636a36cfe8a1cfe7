package audio

import (
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes buf as an integer PCM WAV stream. Decoding a chunk with
// DecodePCM and writing it back at the source bit depth reproduces the same
// PCM payload byte for byte.
func WriteWAV(w io.WriteSeeker, buf *goaudio.IntBuffer, bitDepth int) error {
	if buf == nil || buf.Format == nil {
		return errors.New("write wav: buffer has no format")
	}
	enc := wav.NewEncoder(w, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, formatPCM)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeFloat32 writes mono samples as a 16-bit PCM WAV stream.
func EncodeFloat32(w io.WriteSeeker, samples []float32, sampleRate int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(math.Round(float64(clamp(s)) * math.MaxInt16))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	return WriteWAV(w, buf, 16)
}

// WAVBytes renders samples to an in-memory 16-bit mono WAV file.
func WAVBytes(samples []float32, sampleRate int) ([]byte, error) {
	var buf seekBuffer
	if err := EncodeFloat32(&buf, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
		}
	}
	copy(b.data[b.pos:end], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	b.pos = int(next)
	return next, nil
}

func (b *seekBuffer) Bytes() []byte {
	return b.data
}
