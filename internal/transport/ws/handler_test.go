package ws

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/audio"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/pool"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/stream"
)

type event struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	IsPartial  bool   `json:"is_partial"`
	Transcript string `json:"transcript"`
	Category   string `json:"category"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T, capacity int, cfg config.TransportConfig) (*httptest.Server, *pool.Pool, *Handler) {
	t.Helper()
	p, err := pool.New(pool.Config{Capacity: capacity, Stream: stream.Config{
		SampleRate:        16000,
		MinSamples:        16000,
		MaxSamples:        160000,
		OverlapSamples:    4800,
		SilenceSamples:    16000,
		VADThreshold:      0.01,
		StopGrace:         100 * time.Millisecond,
		MaxEngineFailures: 3,
		Placeholders:      stream.DefaultPlaceholders,
	}}, func(context.Context, engine.Options) (engine.Engine, error) {
		return engine.NewMock(16000), nil
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	a := adapter.New(adapter.Options{Pool: p, Decoder: audio.NewDecoder(16000), Logger: testLogger()})
	h := New(a, cfg, testLogger())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, p, h
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func toneWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	samples := make([]float32, int(seconds*16000))
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	raw, err := audio.WAVBytes(samples, 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

// slowAdapter holds every audio chunk for delay before handing it on.
type slowAdapter struct {
	adapter.ProtocolAdapter
	delay time.Duration
}

func (s slowAdapter) Audio(ctx context.Context, conn *adapter.Conn, data []byte) {
	time.Sleep(s.delay)
	s.ProtocolAdapter.Audio(ctx, conn, data)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func TestStreamOverWebSocket(t *testing.T) {
	srv, p, _ := newServer(t, 2, config.Default().Transport)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"ws-1"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if ev := read(t, conn); ev.Type != "started" || ev.SessionID != "ws-1" {
		t.Fatalf("expected started, got %+v", ev)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, toneWAV(t, 1)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if ev := read(t, conn); ev.Type != "transcription" || !ev.IsPartial || ev.Text != "word1" {
		t.Fatalf("expected partial word1, got %+v", ev)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if ev := read(t, conn); ev.Type != "error" || ev.Category != adapter.CategoryInvalidFormat {
		t.Fatalf("expected invalid_format, got %+v", ev)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	if ev := read(t, conn); ev.Type != "transcription" || ev.IsPartial || ev.Text != "word1" {
		t.Fatalf("expected final word1, got %+v", ev)
	}
	if ev := read(t, conn); ev.Type != "stopped" || ev.Transcript != "word1" {
		t.Fatalf("expected stopped, got %+v", ev)
	}
	if p.Len() != 0 {
		t.Fatal("session still registered after stop")
	}
}

func TestClientDisconnectReleasesSession(t *testing.T) {
	srv, p, h := newServer(t, 1, config.Default().Transport)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if ev := read(t, conn); ev.Type != "started" {
		t.Fatalf("expected started, got %+v", ev)
	}
	if p.Len() != 1 || h.Active() != 1 {
		t.Fatalf("expected one session and connection, got %d and %d", p.Len(), h.Active())
	}

	_ = conn.Close()
	if !waitFor(func() bool { return p.Len() == 0 && p.InUse() == 0 && h.Active() == 0 }) {
		t.Fatalf("session leaked after disconnect: len=%d held=%d active=%d", p.Len(), p.InUse(), h.Active())
	}

	again := dial(t, srv)
	if err := again.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if ev := read(t, again); ev.Type != "started" {
		t.Fatalf("expected the freed slot to be reusable, got %+v", ev)
	}
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	cfg := config.Default().Transport
	cfg.MaxMessageBytes = 1024
	srv, _, h := newServer(t, 1, cfg)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 4096)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection")
	}
	if !waitFor(func() bool { return h.Active() == 0 }) {
		t.Fatal("connection still active")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"HTTPS://APP.EXAMPLE.COM", true},
		{"https://evil.example.com", false},
		{"not a url", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := check(r); got != tc.want {
			t.Errorf("origin %q: got %v, want %v", tc.origin, got, tc.want)
		}
	}

	open := originChecker(nil)
	r := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	r.Header.Set("Origin", "https://anything.test")
	if !open(r) {
		t.Fatal("empty allow list must accept any origin")
	}
}

func TestCloseShutsDownOpenSockets(t *testing.T) {
	srv, p, h := newServer(t, 1, config.Default().Transport)
	conn := dial(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if ev := read(t, conn); ev.Type != "started" {
		t.Fatalf("expected started, got %+v", ev)
	}

	h.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	if !waitFor(func() bool { return p.Len() == 0 && h.Active() == 0 }) {
		t.Fatalf("session not released on close: len=%d active=%d", p.Len(), h.Active())
	}
}

func TestSlowAudioDoesNotExpireReadDeadline(t *testing.T) {
	cfg := config.Default().Transport
	cfg.PingIntervalMS = 50
	srv, p, h := newServer(t, 1, cfg)
	h.adapter = slowAdapter{ProtocolAdapter: h.adapter, delay: 300 * time.Millisecond}
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"slow-1"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if ev := read(t, conn); ev.Type != "started" {
		t.Fatalf("expected started, got %+v", ev)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, toneWAV(t, 1)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if ev := read(t, conn); ev.Type != "transcription" || ev.Text != "word1" {
		t.Fatalf("expected partial word1, got %+v", ev)
	}

	// The chunk took longer than two ping intervals; the connection must
	// still accept the next command.
	time.Sleep(60 * time.Millisecond)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	for {
		ev := read(t, conn)
		if ev.Type == "error" {
			t.Fatalf("unexpected error event %+v", ev)
		}
		if ev.Type == "stopped" {
			if ev.Transcript == "" {
				t.Fatalf("expected final transcript, got %+v", ev)
			}
			break
		}
	}
	if !waitFor(func() bool { return p.Len() == 0 }) {
		t.Fatalf("session not released after stop: len=%d", p.Len())
	}
}
