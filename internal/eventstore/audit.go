package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/pool"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/stream"
)

const auditTimeout = 2 * time.Second

// Auditor writes session lifecycle events to the store. It serves as both
// the pool's listener and the adapter's error sink. Write failures are
// logged and never reach the session.
type Auditor struct {
	store  *Store
	nodeID string
	log    *slog.Logger
}

var (
	_ pool.Listener   = (*Auditor)(nil)
	_ adapter.Auditor = (*Auditor)(nil)
)

func NewAuditor(store *Store, nodeID string, log *slog.Logger) *Auditor {
	return &Auditor{
		store:  store,
		nodeID: nodeID,
		log:    log.With(slog.String("component", "audit")),
	}
}

type counters struct {
	Reason         string  `json:"reason,omitempty"`
	Finals         int     `json:"finals"`
	Interims       int     `json:"interims"`
	EngineCalls    int     `json:"engine_calls"`
	EngineFailures int     `json:"engine_failures"`
	TotalSamples   int64   `json:"total_samples"`
	VoicePercent   float64 `json:"voice_percentage"`
}

func (a *Auditor) SessionOpened(stats stream.Stats) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	rec := SessionRecord{
		SessionID: stats.ID,
		NodeID:    a.nodeID,
		Model:     stats.Model,
		Language:  stats.Language,
		OpenedAt:  stats.StartedAt,
	}
	if err := a.store.OpenSession(ctx, rec); err != nil {
		a.log.Warn("record session open failed", slog.String("session_id", stats.ID), slog.String("error", err.Error()))
		return
	}
	a.append(ctx, Event{SessionID: stats.ID, Type: EventSessionStarted})
}

func (a *Auditor) SessionReleased(stats stream.Stats, reason pool.Reason, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	rec := SessionRecord{
		SessionID:      stats.ID,
		CloseReason:    string(reason),
		Finals:         stats.Finals,
		Interims:       stats.Interims,
		EngineCalls:    stats.EngineCalls,
		EngineFailures: stats.EngineFailures,
		TotalSamples:   stats.TotalSamples,
	}
	if err := a.store.CloseSession(ctx, rec); err != nil {
		a.log.Warn("record session close failed", slog.String("session_id", stats.ID), slog.String("error", err.Error()))
	}
	payload, _ := json.Marshal(counters{
		Reason:         string(reason),
		Finals:         stats.Finals,
		Interims:       stats.Interims,
		EngineCalls:    stats.EngineCalls,
		EngineFailures: stats.EngineFailures,
		TotalSamples:   stats.TotalSamples,
		VoicePercent:   stats.VAD.VoicePercentage,
	})
	a.append(ctx, Event{SessionID: stats.ID, Type: EventSessionStopped, Category: adapter.Categorize(err), Payload: payload})
}

func (a *Auditor) SessionError(ctx context.Context, sessionID, category string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	a.append(ctx, Event{SessionID: sessionID, Type: EventSessionError, Category: category})
}

func (a *Auditor) append(ctx context.Context, evt Event) {
	if err := a.store.AppendEvent(ctx, evt); err != nil {
		a.log.Warn("append audit event failed",
			slog.String("session_id", evt.SessionID),
			slog.String("type", evt.Type),
			slog.String("error", err.Error()))
	}
}
