package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stationhq/conductor/internal/stream"
	"github.com/stationhq/conductor/internal/telemetry"
	"github.com/stationhq/conductor/internal/workflow"
)

// newMux builds the daemon's HTTP surface: health, message ingress, and the
// WebSocket event stream.
func newMux(engine *workflow.Engine, hub *stream.Hub, metrics *telemetry.Metrics, tracer trace.Tracer, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("/ws", hub)

	mux.HandleFunc("/api/v1/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			SessionID string `json:"session_id"`
			Text      string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Text) == "" {
			http.Error(w, "session_id and text are required", http.StatusBadRequest)
			return
		}

		ctx, span := telemetry.StartServerSpan(r.Context(), tracer, "message.handle",
			telemetry.AttrSessionID.String(req.SessionID))
		defer span.End()

		start := time.Now()
		metrics.ActiveTurns.Add(ctx, 1)
		reply, err := engine.HandleMessage(ctx, req.SessionID, req.Text)
		metrics.ActiveTurns.Add(ctx, -1)
		metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			logger.Error("message handling failed", "session_id", req.SessionID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":      reply.Text,
			"suspended": reply.Suspended,
		})
	})

	return mux
}
