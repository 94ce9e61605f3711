// Package ingest handles HTTP ingestion of EVE sensor batches.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"minewatch/internal/apperr"
	"minewatch/internal/bus"
	"minewatch/internal/schema"
	"minewatch/internal/storage"
)

// TraceSink receives accepted raw payloads for the best-effort eve.json
// mirror. Implementations must never block the request path.
type TraceSink interface {
	Record(events []schema.RawPayload)
}

// Handler handles POST /ingest/eve.
type Handler struct {
	store      *storage.Store
	bus        bus.Bus
	validator  *schema.Validator
	trace      TraceSink
	pinger     func(context.Context) error
	eventTopic string
	logger     *slog.Logger
	maxPayload int
	startTime  time.Time

	eventsTotal     atomic.Uint64
	batchesTotal    atomic.Uint64
	rejectedTotal   atomic.Uint64
	publishFailures atomic.Uint64

	extraMetrics []func(io.Writer)
}

// NewHandler creates an ingest Handler.
func NewHandler(store *storage.Store, b bus.Bus, validator *schema.Validator, eventTopic string, logger *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		bus:        b,
		validator:  validator,
		eventTopic: eventTopic,
		logger:     logger,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithTraceSink attaches the eve.json mirror.
func (h *Handler) WithTraceSink(sink TraceSink) *Handler {
	h.trace = sink
	return h
}

// WithPinger attaches a storage liveness check that /healthz runs on
// every request.
func (h *Handler) WithPinger(fn func(context.Context) error) *Handler {
	h.pinger = fn
	return h
}

// AddMetricsSource registers an extra section for the /metrics endpoint.
func (h *Handler) AddMetricsSource(fn func(io.Writer)) {
	h.extraMetrics = append(h.extraMetrics, fn)
}

// IngestResponse is the response for an accepted batch.
type IngestResponse struct {
	OK bool `json:"ok"`
	N  int  `json:"n"`
}

// HandleEve handles POST /ingest/eve. The batch is persisted atomically, so
// a validation or storage failure leaves no partial state behind, and only
// then published on the raw-event topic.
func (h *Handler) HandleEve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.rejectedTotal.Add(1)
			respondError(w, apperr.Validation("payload too large"))
			return
		}
		respondError(w, apperr.Validation("failed to read request body"))
		return
	}

	var in schema.IngestInput
	if err := json.Unmarshal(body, &in); err != nil {
		h.rejectedTotal.Add(1)
		respondError(w, apperr.Validation("invalid JSON: %v", err))
		return
	}

	if err := h.validator.ValidateIngest(&in); err != nil {
		h.rejectedTotal.Add(1)
		respondError(w, apperr.Wrap(apperr.CodeValidation, err.Error(), err))
		return
	}

	now := time.Now().UTC()
	events := make([]schema.Event, len(in.Events))
	for i, payload := range in.Events {
		events[i] = schema.NewEvent(in.HostID, payload, payload.EventTimestamp(now))
	}

	if err := h.store.Events.CreateBatch(r.Context(), in.HostID, events); err != nil {
		h.logger.Error("failed to persist batch",
			"error", err,
			"host_id", in.HostID,
			"events", len(events),
		)
		respondError(w, apperr.Wrap(apperr.CodePersistence, "failed to persist batch", err))
		return
	}

	if h.trace != nil {
		h.trace.Record(in.Events)
	}

	// The batch is durable at this point. A publish failure delays
	// detection until redelivery but must not fail the request.
	envelope := schema.BatchEnvelope{HostID: in.HostID, Events: events}
	payload, err := json.Marshal(envelope)
	if err == nil {
		err = h.bus.Publish(r.Context(), h.eventTopic, payload)
	}
	if err != nil {
		h.publishFailures.Add(1)
		h.logger.Error("failed to publish batch",
			"error", err,
			"host_id", in.HostID,
			"topic", h.eventTopic,
		)
	}

	h.batchesTotal.Add(1)
	h.eventsTotal.Add(uint64(len(events)))

	respondJSON(w, http.StatusOK, IngestResponse{OK: true, N: len(events)})
}

// HealthCheck handles GET /healthz. When a storage pinger is attached an
// unreachable store degrades the check.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger(r.Context()); err != nil {
			h.logger.Error("health check storage ping failed", "error", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":             false,
				"status":         "degraded",
				"uptime_seconds": int(time.Since(h.startTime).Seconds()),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP minewatch_events_total Total number of events ingested\n")
	fmt.Fprintf(w, "# TYPE minewatch_events_total counter\n")
	fmt.Fprintf(w, "minewatch_events_total %d\n\n", h.eventsTotal.Load())

	fmt.Fprintf(w, "# HELP minewatch_batches_total Total accepted ingest batches\n")
	fmt.Fprintf(w, "# TYPE minewatch_batches_total counter\n")
	fmt.Fprintf(w, "minewatch_batches_total %d\n\n", h.batchesTotal.Load())

	fmt.Fprintf(w, "# HELP minewatch_rejected_total Total rejected ingest requests\n")
	fmt.Fprintf(w, "# TYPE minewatch_rejected_total counter\n")
	fmt.Fprintf(w, "minewatch_rejected_total %d\n\n", h.rejectedTotal.Load())

	fmt.Fprintf(w, "# HELP minewatch_publish_failures_total Batches persisted but not published\n")
	fmt.Fprintf(w, "# TYPE minewatch_publish_failures_total counter\n")
	fmt.Fprintf(w, "minewatch_publish_failures_total %d\n\n", h.publishFailures.Load())

	fmt.Fprintf(w, "# HELP minewatch_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE minewatch_uptime_seconds gauge\n")
	fmt.Fprintf(w, "minewatch_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))

	for _, fn := range h.extraMetrics {
		fmt.Fprintf(w, "\n")
		fn(w)
	}
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response with the status derived from the
// error code. Messages are sanitized in production mode.
func respondError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	respondJSON(w, apperr.HTTPStatus(code), map[string]any{
		"ok":    false,
		"code":  string(code),
		"error": apperr.PublicMessage(err),
	})
}
