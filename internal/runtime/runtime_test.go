package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/audio"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "sessions.db")
	cfg.Pool.MaxSessions = 2
	cfg.Engine.Models = map[string]string{"base": "models/ggml-base.bin"}
	cfg.Transport.MaxUploadBytes = 1 << 20
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, "test", logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("runtime did not shut down")
		}
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	addr, err := rt.Addr(waitCtx)
	if err != nil {
		t.Fatalf("runtime did not start: %v", err)
	}
	return addr.String()
}

func toneWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	samples := make([]float32, int(seconds*16000))
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	raw, err := audio.WAVBytes(samples, 16000)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return raw
}

func getSession(t *testing.T, addr, id string) (int, sessionResponse) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s/v1/sessions/%s", addr, id))
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	defer resp.Body.Close()
	var out sessionResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode session: %v", err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthAndReadiness(t *testing.T) {
	addr := startRuntime(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("go_goroutines")) {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}

func TestBatchTranscription(t *testing.T) {
	addr := startRuntime(t, testConfig(t))

	resp, err := http.Post("http://"+addr+"/v1/transcriptions", "audio/wav", bytes.NewReader(toneWAV(t, 3)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		protocol.Transcription
		Audio audio.Info `json:"audio"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Text != "word1 word2 word3" || out.IsPartial {
		t.Fatalf("unexpected transcription %+v", out.Transcription)
	}
	if out.Audio.SampleRate != 16000 || out.Audio.Duration != 3*time.Second {
		t.Fatalf("unexpected audio info %+v", out.Audio)
	}
}

func TestBatchTranscriptionMultipart(t *testing.T) {
	addr := startRuntime(t, testConfig(t))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "call.wav")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write(toneWAV(t, 2))
	_ = mw.WriteField("model", "base")
	_ = mw.Close()

	resp, err := http.Post("http://"+addr+"/v1/transcriptions", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out protocol.Transcription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || out.Text != "word1 word2" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, out)
	}
}

func TestBatchTranscriptionErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.MaxUploadBytes = 64 << 10
	addr := startRuntime(t, cfg)

	cases := []struct {
		name     string
		url      string
		body     []byte
		status   int
		category string
	}{
		{"garbage", "/v1/transcriptions", []byte("not audio at all"), http.StatusBadRequest, adapter.CategoryInvalidFormat},
		{"unknown model", "/v1/transcriptions?model=huge", toneWAV(t, 1), http.StatusBadRequest, adapter.CategoryInvalidMessage},
		{"too large", "/v1/transcriptions", toneWAV(t, 3), http.StatusRequestEntityTooLarge, adapter.CategoryInvalidFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post("http://"+addr+tc.url, "audio/wav", bytes.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			var out protocol.Error
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.StatusCode != tc.status || out.Category != tc.category {
				t.Fatalf("expected %d/%s, got %d/%s (%s)", tc.status, tc.category, resp.StatusCode, out.Category, out.Message)
			}
		})
	}
}

func TestStreamingSessionIsAudited(t *testing.T) {
	addr := startRuntime(t, testConfig(t))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	readType := func(want string) map[string]any {
		t.Helper()
		for {
			var evt map[string]any
			if err := conn.ReadJSON(&evt); err != nil {
				t.Fatalf("read %s: %v", want, err)
			}
			if evt["type"] == want {
				return evt
			}
		}
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"call-7"}`))
	readType(protocol.TypeStarted)

	resp, err := http.Get("http://" + addr + "/v1/sessions")
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	var live sessionsResponse
	_ = json.NewDecoder(resp.Body).Decode(&live)
	resp.Body.Close()
	if live.Capacity != 2 || live.InUse != 1 || len(live.Sessions) != 1 || live.Sessions[0].ID != "call-7" {
		t.Fatalf("unexpected live sessions %+v", live)
	}
	status, one := getSession(t, addr, "call-7")
	if status != http.StatusOK || one.Live == nil || one.Live.ID != "call-7" {
		t.Fatalf("expected live view of call-7, got %d %+v", status, one)
	}
	if one.Record == nil || one.Record.ClosedAt != nil {
		t.Fatalf("expected open audit record, got %+v", one.Record)
	}

	_ = conn.WriteMessage(websocket.BinaryMessage, toneWAV(t, 2))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))
	stopped := readType(protocol.TypeStopped)
	if stopped["transcript"] == "" {
		t.Fatalf("expected transcript, got %+v", stopped)
	}

	resp, err = http.Get(fmt.Sprintf("http://%s/v1/sessions/%s/events", addr, "call-7"))
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	var history struct {
		Events []eventView `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(history.Events) != 2 || history.Events[0].Type != "session.started" || history.Events[1].Type != "session.stopped" {
		t.Fatalf("unexpected audit timeline %+v", history.Events)
	}
	if bytes.Contains(history.Events[1].Payload, []byte("word")) {
		t.Fatal("audit payload must not carry transcript text")
	}

	status, one = getSession(t, addr, "call-7")
	if status != http.StatusOK || one.Live != nil {
		t.Fatalf("expected only the audit record after stop, got %d %+v", status, one)
	}
	if one.Record == nil || one.Record.ClosedAt == nil || one.Record.CloseReason == "" {
		t.Fatalf("expected closed audit record, got %+v", one.Record)
	}
	if one.Record.TotalSamples == 0 {
		t.Fatal("expected ingested samples in the audit record")
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	addr := startRuntime(t, testConfig(t))

	status, _ := getSession(t, addr, "never-started")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestNodesWithoutBus(t *testing.T) {
	addr := startRuntime(t, testConfig(t))

	resp, err := http.Get("http://" + addr + "/v1/nodes")
	if err != nil {
		t.Fatalf("get nodes: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Nodes []json.RawMessage `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Nodes == nil || len(out.Nodes) != 0 {
		t.Fatalf("expected empty node list, got %v", out.Nodes)
	}
}

func TestBusEnabledAnnouncesNode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Node.ID = "node-under-test"
	addr := startRuntime(t, cfg)

	resp, err := http.Get("http://" + addr + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz returned %d", resp.StatusCode)
	}

	nodeIDs := func(query string) []string {
		t.Helper()
		resp, err := http.Get("http://" + addr + "/v1/nodes" + query)
		if err != nil {
			t.Fatalf("get nodes: %v", err)
		}
		defer resp.Body.Close()
		var out struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		ids := make([]string, 0, len(out.Nodes))
		for _, n := range out.Nodes {
			ids = append(ids, n.ID)
		}
		return ids
	}

	announced := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ids := nodeIDs(""); len(ids) == 1 && ids[0] == "node-under-test" {
			announced = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !announced {
		t.Fatal("node never appeared in the registry")
	}

	if ids := nodeIDs("?capability=" + protocol.CapabilityStreaming + "&available=true"); len(ids) != 1 || ids[0] != "node-under-test" {
		t.Fatalf("expected node to match streaming filter, got %v", ids)
	}
	if ids := nodeIDs("?capability=tts.synthesis"); len(ids) != 0 {
		t.Fatalf("expected no node for unknown capability, got %v", ids)
	}
}
