package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/audio"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/capability"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/eventstore"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/protocol"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/stream"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	readyTimeout     = 2 * time.Second
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	mux.HandleFunc("GET /v1/sessions/history", r.handleHistory)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleSession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("POST /v1/transcriptions", r.handleTranscribe)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	mux.Handle(r.cfg.Transport.WebSocketPath, r.ws)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if reason := r.notReady(req.Context()); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady(ctx context.Context) string {
	if !r.ready.Load() {
		return "starting"
	}
	if r.cfg.Bus.Enabled {
		if !r.bus.Healthy() {
			return "bus disconnected"
		}
		if r.natsStream == nil || !r.natsStream.Healthy() {
			return "nats transport down"
		}
	}
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := r.store.Ping(ctx); err != nil {
		return "event store unavailable"
	}
	return ""
}

type sessionsResponse struct {
	Capacity int            `json:"capacity"`
	InUse    int            `json:"in_use"`
	Sessions []stream.Stats `json:"sessions"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionsResponse{
		Capacity: r.pool.Capacity(),
		InUse:    r.pool.InUse(),
		Sessions: r.pool.Snapshot(),
	})
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	records, err := r.store.ListSessions(req.Context(), listLimit(req))
	if err != nil {
		r.logger.Error("list sessions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, adapter.CategoryInternal, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

type sessionResponse struct {
	Live   *stream.Stats             `json:"live,omitempty"`
	Record *eventstore.SessionRecord `json:"record,omitempty"`
}

// handleSession combines the live view of a session held by this node with
// its audit record. Either may be missing.
func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var out sessionResponse
	if sess, err := r.pool.Get(id); err == nil {
		stats := sess.Stats()
		out.Live = &stats
	}
	rec, err := r.store.GetSession(req.Context(), id)
	switch {
	case err == nil:
		out.Record = &rec
	case !errors.Is(err, eventstore.ErrNotFound):
		r.logger.Error("get session failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, adapter.CategoryInternal, "failed to load session")
		return
	}
	if out.Live == nil && out.Record == nil {
		writeError(w, http.StatusNotFound, adapter.CategorySessionClosed, "unknown session "+id)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type eventView struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Category  string          `json:"category,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	events, err := r.store.ListSessionEvents(req.Context(), id, listLimit(req))
	if err != nil {
		r.logger.Error("list session events failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, adapter.CategoryInternal, "failed to list events")
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{ID: e.ID, SessionID: e.SessionID, Type: e.Type, Category: e.Category, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			v.Payload = e.Payload
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": out})
}

// handleNodes lists known nodes, optionally narrowed by ?capability= and
// ?available=true.
func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	var filters []func(capability.NodeInfo) bool
	if name := strings.TrimSpace(req.URL.Query().Get("capability")); name != "" {
		filters = append(filters, capability.WithCapabilityFilter(name))
	}
	if available, _ := strconv.ParseBool(req.URL.Query().Get("available")); available {
		filters = append(filters, capability.WithAvailableCapacity())
	}
	nodes := []capability.NodeInfo{}
	if r.registry != nil {
		nodes = append(nodes, r.registry.Query(filters...)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

type transcriptionResponse struct {
	protocol.Transcription
	Audio audio.Info `json:"audio"`
}

// handleTranscribe runs a whole WAV file through a fresh engine. The body is
// either the raw file or a multipart form with a "file" part.
func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.Transport.MaxUploadBytes)

	raw, err := readUpload(req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, adapter.CategoryInvalidFormat,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, adapter.CategoryInvalidFormat, err.Error())
		return
	}

	opts := engine.Options{
		Model:      formValue(req, "model"),
		Language:   formValue(req, "language"),
		SampleRate: r.cfg.Stream.SampleRate,
	}
	res, info, err := r.adapter.Transcribe(req.Context(), raw, opts)
	if err != nil {
		category := adapter.Categorize(err)
		r.logger.Warn("batch transcription failed",
			slog.String("category", category),
			slog.String("error", err.Error()))
		writeError(w, statusFor(category), category, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transcriptionResponse{
		Transcription: adapter.NewTranscription("", res),
		Audio:         info,
	})
}

func readUpload(req *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, errors.New("empty request body")
		}
		return raw, nil
	}
	file, _, err := req.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("multipart upload needs a file part: %w", err)
	}
	defer file.Close()
	return io.ReadAll(file)
}

// formValue reads a query parameter, falling back to a parsed multipart field.
func formValue(req *http.Request, key string) string {
	if v := req.URL.Query().Get(key); v != "" {
		return v
	}
	if req.MultipartForm != nil {
		if vs := req.MultipartForm.Value[key]; len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func statusFor(category string) int {
	switch category {
	case adapter.CategoryInvalidFormat, adapter.CategoryInvalidMessage:
		return http.StatusBadRequest
	case adapter.CategoryUnsupportedEncoding:
		return http.StatusUnsupportedMediaType
	case adapter.CategoryCapacityExceeded:
		return http.StatusServiceUnavailable
	case adapter.CategoryEngineFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func listLimit(req *http.Request) int {
	limit, err := strconv.Atoi(strings.TrimSpace(req.URL.Query().Get("limit")))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, category, message string) {
	writeJSON(w, status, protocol.NewError("", category, message))
}
