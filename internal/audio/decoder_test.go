package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// buildWAV assembles a canonical WAV file around an already encoded PCM payload.
func buildWAV(tag uint16, channels, sampleRate, bits int, payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(payload)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, tag)
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate*channels*bits/8))
	binary.Write(&b, binary.LittleEndian, uint16(channels*bits/8))
	binary.Write(&b, binary.LittleEndian, uint16(bits))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(payload)))
	b.Write(payload)
	return b.Bytes()
}

func pcm16(samples ...int16) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, samples)
	return b.Bytes()
}

func dataChunk(t *testing.T, raw []byte) []byte {
	t.Helper()
	offset := 12
	for offset+8 <= len(raw) {
		size := int(binary.LittleEndian.Uint32(raw[offset+4 : offset+8]))
		if string(raw[offset:offset+4]) == "data" {
			return raw[offset+8 : offset+8+size]
		}
		offset += 8 + size + size%2
	}
	t.Fatalf("no data chunk")
	return nil
}

func TestDecodeMono16(t *testing.T) {
	raw := buildWAV(1, 1, 16000, 16, pcm16(0, 16384, -16384, math.MaxInt16, math.MinInt16))
	samples, err := NewDecoder(16000).Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []float32{0, 0.5, -0.5, float32(math.MaxInt16) / 32768, -1}
	if len(samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(samples))
	}
	for i := range want {
		if math.Abs(float64(samples[i]-want[i])) > 1e-6 {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], samples[i])
		}
	}
}

func TestDecodeDownmixAndResample(t *testing.T) {
	// 8 stereo frames at 8kHz: left is 0.5 full scale, right is silent.
	var frames []int16
	for i := 0; i < 8; i++ {
		frames = append(frames, 16384, 0)
	}
	raw := buildWAV(1, 2, 8000, 16, pcm16(frames...))
	samples, err := NewDecoder(16000).Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples) != 16 {
		t.Fatalf("expected 16 samples after upsampling, got %d", len(samples))
	}
	for i, s := range samples {
		if math.Abs(float64(s)-0.25) > 1e-6 {
			t.Fatalf("sample %d: expected 0.25, got %v", i, s)
		}
	}
}

func TestDecodeEmptyData(t *testing.T) {
	samples, err := NewDecoder(16000).Decode(buildWAV(1, 1, 16000, 16, nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if samples == nil || len(samples) != 0 {
		t.Fatalf("expected empty non-nil samples, got %v", samples)
	}
}

func TestDecodeRejectsInvalidContainers(t *testing.T) {
	valid := buildWAV(1, 1, 16000, 16, pcm16(1, 2, 3))
	noRIFF := append([]byte("RIFX"), valid[4:]...)
	noWAVE := append(append([]byte{}, valid[:8]...), append([]byte("AVI "), valid[12:]...)...)
	truncated := valid[:len(valid)-2]

	cases := map[string][]byte{
		"empty":     nil,
		"short":     []byte("RIFF"),
		"no riff":   noRIFF,
		"no wave":   noWAVE,
		"no fmt":    append(append([]byte{}, valid[:12]...), valid[36:]...),
		"truncated": truncated,
		"text":      []byte("this is definitely not audio at all"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewDecoder(16000).Decode(raw)
			if !errors.Is(err, ErrInvalidFormat) {
				t.Fatalf("expected ErrInvalidFormat, got %v", err)
			}
		})
	}
}

func TestDecodeRejectsUnsupportedEncodings(t *testing.T) {
	cases := map[string][]byte{
		"float":  buildWAV(3, 1, 16000, 32, make([]byte, 8)),
		"alaw":   buildWAV(6, 1, 8000, 8, make([]byte, 4)),
		"8-bit":  buildWAV(1, 1, 8000, 8, make([]byte, 4)),
		"12-bit": buildWAV(1, 1, 8000, 12, make([]byte, 4)),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewDecoder(16000).Decode(raw)
			if !errors.Is(err, ErrUnsupportedEncoding) {
				t.Fatalf("expected ErrUnsupportedEncoding, got %v", err)
			}
		})
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	raw := buildWAV(1, 2, 44100, 16, pcm16(100, -100, 2000, 1000, -3000, 3000, 5, 7))
	d := NewDecoder(16000)
	a, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, _ := d.Decode(raw)
	if len(a) != len(b) {
		t.Fatalf("length mismatch %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs", i)
		}
	}
}

func TestRoundTripPreservesPCM(t *testing.T) {
	cases := map[string][]byte{
		"16-bit mono":   buildWAV(1, 1, 16000, 16, pcm16(0, 1, -1, 12345, -12345, math.MaxInt16, math.MinInt16)),
		"16-bit stereo": buildWAV(1, 2, 48000, 16, pcm16(10, -10, 20, -20, 30, -30)),
		"24-bit mono":   buildWAV(1, 1, 16000, 24, []byte{0x01, 0x02, 0x03, 0xff, 0xff, 0xff, 0x00, 0x00, 0x80}),
		"32-bit mono":   buildWAV(1, 1, 16000, 32, []byte{0x78, 0x56, 0x34, 0x12, 0x00, 0x00, 0x00, 0x80}),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			buf, err := DecodePCM(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			path := filepath.Join(t.TempDir(), "roundtrip.wav")
			f, err := os.Create(path)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := WriteWAV(f, buf, buf.SourceBitDepth); err != nil {
				t.Fatalf("write: %v", err)
			}
			f.Close()

			encoded, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read back: %v", err)
			}
			if !bytes.Equal(dataChunk(t, raw), dataChunk(t, encoded)) {
				t.Fatalf("pcm payload changed on round trip")
			}
		})
	}
}

func TestWAVBytesDecodes(t *testing.T) {
	in := []float32{0, 0.25, -0.25, 1, -1}
	raw, err := WAVBytes(in, 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := NewDecoder(16000).Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-3 {
			t.Fatalf("sample %d: expected %v, got %v", i, in[i], out[i])
		}
	}
}

func TestInspect(t *testing.T) {
	raw := buildWAV(1, 2, 8000, 16, make([]byte, 8000*2*2))
	info, err := Inspect(raw)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Channels != 2 || info.SampleRate != 8000 || info.Frames != 8000 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Duration.Seconds() != 1 {
		t.Fatalf("expected 1s, got %v", info.Duration)
	}
}
