package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/audio"
)

// HTTPConfig points the engine at an OpenAI-compatible transcription
// endpoint that answers verbose_json.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Client   *http.Client
}

type httpEngine struct {
	cfg    HTTPConfig
	opts   Options
	client *http.Client
}

type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments,omitempty"`
}

// NewHTTP returns an engine that uploads each buffer as a WAV file. Failed
// requests are not retried; the session decides what a failure means.
func NewHTTP(cfg HTTPConfig, opts Options) Engine {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &httpEngine{cfg: cfg, opts: opts, client: client}
}

func (h *httpEngine) Process(ctx context.Context, samples []float32) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		segments, err := h.transcribe(ctx, samples)
		if err != nil {
			yield(Segment{}, err)
			return
		}
		for _, seg := range segments {
			if !yield(seg, nil) {
				return
			}
		}
	}
}

func (h *httpEngine) transcribe(ctx context.Context, samples []float32) ([]Segment, error) {
	wavData, err := audio.WAVBytes(samples, h.opts.SampleRate)
	if err != nil {
		return nil, err
	}
	body, contentType, err := h.multipartBody(wavData)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed verboseResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if len(parsed.Segments) == 0 {
		if parsed.Text == "" {
			return nil, nil
		}
		return []Segment{{End: samplesDuration(len(samples), h.opts.SampleRate), Text: parsed.Text}}, nil
	}
	out := make([]Segment, 0, len(parsed.Segments))
	for _, seg := range parsed.Segments {
		out = append(out, Segment{
			Start: secondsToDuration(seg.Start),
			End:   secondsToDuration(seg.End),
			Text:  seg.Text,
		})
	}
	return out, nil
}

func (h *httpEngine) multipartBody(wavData []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format": "verbose_json",
	}
	if h.opts.Model != "" {
		fields["model"] = h.opts.Model
	}
	if h.opts.Language != "" && h.opts.Language != "auto" {
		fields["language"] = h.opts.Language
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func (h *httpEngine) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
