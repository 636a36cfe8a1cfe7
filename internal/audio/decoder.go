package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	// ErrInvalidFormat reports a chunk that is not a well-formed WAV container.
	ErrInvalidFormat = errors.New("invalid audio format")
	// ErrUnsupportedEncoding reports a WAV container whose sample encoding
	// cannot be decoded.
	ErrUnsupportedEncoding = errors.New("unsupported audio encoding")
)

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE

	DefaultSampleRate = 16000
)

// Info describes the container of an inbound chunk.
type Info struct {
	SampleRate    int           `json:"sample_rate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bits_per_sample"`
	Frames        int           `json:"frames"`
	Duration      time.Duration `json:"duration"`
}

// Decoder turns WAV chunks into normalized mono samples at a fixed rate.
// It holds no state between calls and is safe for concurrent use.
type Decoder struct {
	sampleRate int
}

func NewDecoder(sampleRate int) *Decoder {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Decoder{sampleRate: sampleRate}
}

func (d *Decoder) SampleRate() int {
	return d.sampleRate
}

// Decode validates raw and returns mono float samples in [-1, 1] at the
// decoder's sample rate. A container with an empty data chunk yields an
// empty, non-nil slice.
func (d *Decoder) Decode(raw []byte) ([]float32, error) {
	buf, err := DecodePCM(raw)
	if err != nil {
		return nil, err
	}
	mono := Downmix(buf.Data, buf.Format.NumChannels, buf.SourceBitDepth)
	return Resample(mono, buf.Format.SampleRate, d.sampleRate), nil
}

// Inspect reads the container header without decoding samples.
func Inspect(raw []byte) (Info, error) {
	h, err := scanHeader(raw)
	if err != nil {
		return Info{}, err
	}
	frames := 0
	if block := h.channels * h.bitsPerSample / 8; block > 0 {
		frames = h.dataLen / block
	}
	info := Info{
		SampleRate:    h.sampleRate,
		Channels:      h.channels,
		BitsPerSample: h.bitsPerSample,
		Frames:        frames,
	}
	if h.sampleRate > 0 {
		info.Duration = time.Duration(frames) * time.Second / time.Duration(h.sampleRate)
	}
	return info, nil
}

// DecodePCM validates raw and returns its integer frames untouched, with
// interleaved channels and the source bit depth recorded on the buffer.
func DecodePCM(raw []byte) (*goaudio.IntBuffer, error) {
	h, err := scanHeader(raw)
	if err != nil {
		return nil, err
	}
	format := &goaudio.Format{NumChannels: h.channels, SampleRate: h.sampleRate}
	if h.dataLen == 0 {
		return &goaudio.IntBuffer{Format: format, Data: []int{}, SourceBitDepth: h.bitsPerSample}, nil
	}

	dec := wav.NewDecoder(bytes.NewReader(raw))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: read pcm: %v", ErrInvalidFormat, err)
	}
	if buf.Format == nil {
		buf.Format = format
	}
	buf.SourceBitDepth = h.bitsPerSample
	if rem := len(buf.Data) % h.channels; rem != 0 {
		buf.Data = buf.Data[:len(buf.Data)-rem]
	}
	return buf, nil
}

type header struct {
	audioFormat   int
	channels      int
	sampleRate    int
	bitsPerSample int
	dataLen       int
}

// scanHeader walks the RIFF chunk list. go-audio's decoder tolerates
// malformed input silently, so the markers are checked here to produce
// typed errors.
func scanHeader(raw []byte) (header, error) {
	var h header
	if len(raw) < 12 {
		return h, fmt.Errorf("%w: %d bytes is shorter than a RIFF header", ErrInvalidFormat, len(raw))
	}
	if string(raw[0:4]) != "RIFF" {
		return h, fmt.Errorf("%w: missing RIFF marker", ErrInvalidFormat)
	}
	if string(raw[8:12]) != "WAVE" {
		return h, fmt.Errorf("%w: missing WAVE marker", ErrInvalidFormat)
	}

	var haveFmt, haveData bool
	var fmtBody []byte
	offset := 12
	for offset+8 <= len(raw) {
		id := string(raw[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(raw[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > len(raw) {
			if id == "data" {
				return h, fmt.Errorf("%w: data chunk declares %d bytes, %d present", ErrInvalidFormat, size, len(raw)-body)
			}
			return h, fmt.Errorf("%w: truncated %q chunk", ErrInvalidFormat, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return h, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrInvalidFormat, size)
			}
			fmtBody = raw[body : body+size]
			haveFmt = true
		case "data":
			if !haveFmt {
				return h, fmt.Errorf("%w: data chunk precedes fmt chunk", ErrInvalidFormat)
			}
			h.dataLen = size
			haveData = true
		}
		if haveData {
			break
		}
		offset = body + size + size%2
	}
	if !haveFmt {
		return h, fmt.Errorf("%w: missing fmt chunk", ErrInvalidFormat)
	}
	if !haveData {
		return h, fmt.Errorf("%w: missing data chunk", ErrInvalidFormat)
	}

	h.audioFormat = int(binary.LittleEndian.Uint16(fmtBody[0:2]))
	h.channels = int(binary.LittleEndian.Uint16(fmtBody[2:4]))
	h.sampleRate = int(binary.LittleEndian.Uint32(fmtBody[4:8]))
	h.bitsPerSample = int(binary.LittleEndian.Uint16(fmtBody[14:16]))

	switch h.audioFormat {
	case formatPCM:
	case formatExtensible:
		// WAVE_FORMAT_EXTENSIBLE carries the real tag in the first two
		// bytes of the sub-format GUID.
		if len(fmtBody) < 26 {
			return h, fmt.Errorf("%w: extensible fmt chunk too short", ErrInvalidFormat)
		}
		if sub := binary.LittleEndian.Uint16(fmtBody[24:26]); sub != formatPCM {
			return h, fmt.Errorf("%w: extensible sub-format %#x", ErrUnsupportedEncoding, sub)
		}
	default:
		return h, fmt.Errorf("%w: format tag %#x", ErrUnsupportedEncoding, h.audioFormat)
	}
	switch h.bitsPerSample {
	case 16, 24, 32:
	default:
		return h, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedEncoding, h.bitsPerSample)
	}
	if h.channels <= 0 {
		return h, fmt.Errorf("%w: channel count %d", ErrInvalidFormat, h.channels)
	}
	if h.sampleRate <= 0 {
		return h, fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, h.sampleRate)
	}
	return h, nil
}
