package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/audio"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/pool"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/protocol"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Emitter delivers outbound events to one connection. Emit is only called
// from the goroutine driving that connection.
type Emitter interface {
	Emit(ctx context.Context, event any) error
}

// ProtocolAdapter is the boundary every transport drives. Transports only
// frame bytes; session handling lives behind this interface.
type ProtocolAdapter interface {
	Connect(id string, emitter Emitter) *Conn
	Control(ctx context.Context, conn *Conn, data []byte)
	Audio(ctx context.Context, conn *Conn, data []byte)
	Disconnect(ctx context.Context, conn *Conn)
}

// Auditor records failures reported to clients. Only ids and categories
// are passed on; message text may carry transcript fragments.
type Auditor interface {
	SessionError(ctx context.Context, sessionID, category string)
}

// Conn is one client connection and the session bound to it, if any.
type Conn struct {
	id      string
	emitter Emitter

	mu        sync.Mutex
	sessionID string
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) bind(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return false
	}
	c.sessionID = id
	return true
}

func (c *Conn) unbind() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.sessionID
	c.sessionID = ""
	return id
}

type Options struct {
	Pool         *pool.Pool
	Decoder      *audio.Decoder
	Factory      engine.Factory
	Placeholders []string
	Auditor      Auditor
	Logger       *slog.Logger
}

// Handler implements ProtocolAdapter on top of a session pool.
type Handler struct {
	pool         *pool.Pool
	decoder      *audio.Decoder
	factory      engine.Factory
	placeholders []string
	audit        Auditor
	logger       *slog.Logger

	events metric.Int64Counter
	errs   metric.Int64Counter
}

var _ ProtocolAdapter = (*Handler)(nil)

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = audio.NewDecoder(audio.DefaultSampleRate)
	}
	h := &Handler{
		pool:         opts.Pool,
		decoder:      decoder,
		factory:      opts.Factory,
		placeholders: opts.Placeholders,
		audit:        opts.Auditor,
		logger:       logger.With(slog.String("component", "adapter")),
	}
	meter := otel.Meter("github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter")
	h.events, _ = meter.Int64Counter("whisper_adapter_events_total",
		metric.WithDescription("Events emitted to clients by type"))
	h.errs, _ = meter.Int64Counter("whisper_adapter_errors_total",
		metric.WithDescription("Error events emitted to clients by category"))
	return h
}

func (h *Handler) Pool() *pool.Pool {
	return h.pool
}

// Connect registers a connection. An empty id is replaced by a random one;
// the id doubles as the session id when a start command names none.
func (h *Handler) Connect(id string, emitter Emitter) *Conn {
	if id == "" {
		id = uuid.NewString()
	}
	return &Conn{id: id, emitter: emitter}
}

// Control handles a start or stop command.
func (h *Handler) Control(ctx context.Context, c *Conn, data []byte) {
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		h.fail(ctx, c, c.SessionID(), err)
		return
	}
	switch cmd.Type {
	case protocol.TypeStart:
		h.start(ctx, c, cmd)
	case protocol.TypeStop:
		h.stop(ctx, c)
	}
}

func (h *Handler) start(ctx context.Context, c *Conn, cmd protocol.Command) {
	id := cmd.SessionID
	if id == "" {
		id = c.ID()
	}
	if !c.bind(id) {
		h.fail(ctx, c, c.SessionID(), fmt.Errorf("%w: connection already has an active session", pool.ErrSessionExists))
		return
	}
	sess, err := h.pool.Open(ctx, id, engine.Options{Model: cmd.Model, Language: cmd.Language})
	if err != nil {
		c.unbind()
		h.fail(ctx, c, id, err)
		return
	}
	opts := sess.Options()
	h.logger.Info("session started", slog.String("conn_id", c.ID()), slog.String("session_id", id))
	h.emit(ctx, c, protocol.TypeStarted, protocol.NewStarted(id, opts.Model, opts.Language))
}

func (h *Handler) stop(ctx context.Context, c *Conn) {
	id := c.unbind()
	if id == "" {
		h.fail(ctx, c, "", fmt.Errorf("%w: no active session", stream.ErrSessionClosed))
		return
	}
	transcript, res, err := h.teardown(ctx, id)
	if err != nil {
		h.fail(ctx, c, id, err)
	}
	if !res.Empty() {
		h.emit(ctx, c, protocol.TypeTranscription, NewTranscription(id, res))
	}
	h.emit(ctx, c, protocol.TypeStopped, protocol.NewStopped(id, transcript))
}

// Audio decodes one chunk and feeds it to the connection's session.
// Decode failures leave the session running.
func (h *Handler) Audio(ctx context.Context, c *Conn, data []byte) {
	id := c.SessionID()
	if id == "" {
		h.fail(ctx, c, "", fmt.Errorf("%w: send a start command first", stream.ErrSessionNotStarted))
		return
	}
	samples, err := h.decoder.Decode(data)
	if err != nil {
		h.fail(ctx, c, id, err)
		return
	}
	sess, err := h.pool.Get(id)
	if err != nil {
		c.unbind()
		h.fail(ctx, c, id, err)
		return
	}

	res, err := h.ingest(ctx, sess, samples)
	switch {
	case err == nil:
		if !res.Empty() {
			h.emit(ctx, c, protocol.TypeTranscription, NewTranscription(id, res))
		}
	case errors.Is(err, ErrInternal), errors.Is(err, stream.ErrEngineFatal):
		h.fail(ctx, c, id, err)
		c.unbind()
		_, _, _ = h.teardown(ctx, id)
	case errors.Is(err, stream.ErrSessionClosed):
		c.unbind()
		h.fail(ctx, c, id, err)
	default:
		h.fail(ctx, c, id, err)
	}
}

// Disconnect tears down the connection's session without acknowledgement.
func (h *Handler) Disconnect(ctx context.Context, c *Conn) {
	id := c.unbind()
	if id == "" {
		return
	}
	h.logger.Info("connection closed, releasing session", slog.String("conn_id", c.ID()), slog.String("session_id", id))
	if _, _, err := h.teardown(ctx, id); err != nil {
		h.logger.Warn("teardown after disconnect failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// Transcribe decodes a whole recording and runs one engine pass over it
// with a dedicated engine. It does not take a pool slot.
func (h *Handler) Transcribe(ctx context.Context, raw []byte, opts engine.Options) (stream.Result, audio.Info, error) {
	info, err := audio.Inspect(raw)
	if err != nil {
		return stream.Result{}, audio.Info{}, err
	}
	samples, err := h.decoder.Decode(raw)
	if err != nil {
		return stream.Result{}, info, err
	}
	if h.factory == nil {
		return stream.Result{}, info, fmt.Errorf("%w: no engine factory", ErrInternal)
	}
	eng, err := h.factory(ctx, opts)
	if err != nil {
		return stream.Result{}, info, err
	}
	defer eng.Close()
	res, err := stream.TranscribeAll(ctx, eng, samples, h.placeholders)
	return res, info, err
}

// ingest calls into the session, converting a panic into ErrInternal. The
// session's own deferred unlock runs while the panic unwinds.
func (h *Handler) ingest(ctx context.Context, sess *stream.Session, samples []float32) (res stream.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic during ingest",
				slog.String("session_id", sess.ID()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()
	return sess.Ingest(ctx, samples)
}

// teardown releases the pool entry for id and returns the final transcript.
// A panic in the flushing engine pass is reported as ErrInternal; the pool
// has already dropped the entry and freed the slot by then.
func (h *Handler) teardown(ctx context.Context, id string) (transcript string, res stream.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic during release", slog.String("session_id", id), slog.Any("panic", r))
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()
	sess, getErr := h.pool.Get(id)
	res, err = h.pool.Release(ctx, id)
	if getErr == nil {
		transcript = sess.Transcript()
	}
	return transcript, res, err
}

func (h *Handler) fail(ctx context.Context, c *Conn, sessionID string, err error) {
	category := Categorize(err)
	h.logger.Warn("request failed",
		slog.String("conn_id", c.ID()),
		slog.String("session_id", sessionID),
		slog.String("category", category),
		slog.String("error", err.Error()))
	if h.errs != nil {
		h.errs.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
	}
	if h.audit != nil && sessionID != "" {
		h.audit.SessionError(ctx, sessionID, category)
	}
	h.emit(ctx, c, protocol.TypeError, protocol.NewError(sessionID, category, err.Error()))
}

func (h *Handler) emit(ctx context.Context, c *Conn, kind string, event any) {
	if h.events != nil {
		h.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
	}
	if c.emitter == nil {
		return
	}
	if err := c.emitter.Emit(ctx, event); err != nil {
		h.logger.Debug("emit failed", slog.String("conn_id", c.ID()), slog.String("type", kind), slog.String("error", err.Error()))
	}
}

// NewTranscription converts a result into its wire event.
func NewTranscription(sessionID string, res stream.Result) protocol.Transcription {
	segments := make([]protocol.Segment, 0, len(res.Segments))
	for _, seg := range res.Segments {
		segments = append(segments, protocol.Segment{
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
			Text:  seg.Text,
		})
	}
	return protocol.Transcription{
		Type:      protocol.TypeTranscription,
		SessionID: sessionID,
		Text:      res.Text,
		IsPartial: res.IsPartial,
		Segments:  segments,
		Timestamp: time.Now().UTC(),
	}
}
