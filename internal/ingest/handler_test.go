package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"minewatch/internal/bus"
	"minewatch/internal/config"
	"minewatch/internal/schema"
	"minewatch/internal/storage"
)

const eventTopic = "minewatch.events.raw"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturingBus struct {
	bus.Bus
	mu       sync.Mutex
	payloads [][]byte
}

func (b *capturingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.payloads = append(b.payloads, cp)
	return nil
}

func (b *capturingBus) published() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.payloads...)
}

func newTestHandler(t *testing.T, b bus.Bus) (*Handler, *storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	h := NewHandler(store, b, schema.NewValidator(10), eventTopic, testLogger())
	return h, store
}

func postEve(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ingest/eve", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleEve(rec, req)
	return rec
}

func TestHandleEveAcceptsBatch(t *testing.T) {
	cb := &capturingBus{}
	h, store := newTestHandler(t, cb)

	rec := postEve(t, h, `{
		"host_id": "sensor-1",
		"events": [
			{"event_type": "tls", "tls": {"sni": "pool.minexmr.com"}},
			{"event_type": "dns", "dns": {"rrname": "example.com"}}
		]
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK || resp.N != 2 {
		t.Errorf("expected ok=true n=2, got %+v", resp)
	}

	host, err := store.Hosts.Get(context.Background(), "sensor-1")
	if err != nil {
		t.Fatalf("expected host upserted: %v", err)
	}
	if host.ID != "sensor-1" {
		t.Errorf("unexpected host id %q", host.ID)
	}

	published := cb.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(published))
	}
	var envelope schema.BatchEnvelope
	if err := json.Unmarshal(published[0], &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.HostID != "sensor-1" || len(envelope.Events) != 2 {
		t.Errorf("unexpected envelope: host %q, %d events", envelope.HostID, len(envelope.Events))
	}
	if envelope.Events[0].Kind != "tls" || envelope.Events[1].Kind != "dns" {
		t.Errorf("envelope order does not match input: %q, %q",
			envelope.Events[0].Kind, envelope.Events[1].Kind)
	}

	// Published events carry the ids the store assigned.
	for _, ev := range envelope.Events {
		if _, err := store.Events.Get(context.Background(), ev.ID); err != nil {
			t.Errorf("published event %s not in store: %v", ev.ID, err)
		}
	}
}

func TestHandleEveValidationLeavesNoState(t *testing.T) {
	cb := &capturingBus{}
	h, store := newTestHandler(t, cb)

	cases := []struct {
		name string
		body string
	}{
		{"missing host_id", `{"events":[{"event_type":"tls"}]}`},
		{"empty events", `{"host_id":"sensor-1","events":[]}`},
		{"malformed json", `{"host_id":`},
		{"null event", `{"host_id":"sensor-1","events":[null]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postEve(t, h, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	if _, err := store.Hosts.Get(context.Background(), "sensor-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("rejected batch must not create the host")
	}
	if len(cb.published()) != 0 {
		t.Error("rejected batch must not publish")
	}
}

func TestHandleEveBatchTooLarge(t *testing.T) {
	cb := &capturingBus{}
	h, _ := newTestHandler(t, cb)

	events := make([]string, 11)
	for i := range events {
		events[i] = `{"event_type":"flow"}`
	}
	body := `{"host_id":"sensor-1","events":[` + strings.Join(events, ",") + `]}`

	rec := postEve(t, h, body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized batch, got %d", rec.Code)
	}
	if len(cb.published()) != 0 {
		t.Error("oversized batch must not publish")
	}
}

type failingBus struct{ bus.Bus }

func (failingBus) Publish(context.Context, string, []byte) error {
	return errors.New("brokers unreachable")
}

func TestHandleEveSucceedsWhenPublishFails(t *testing.T) {
	h, store := newTestHandler(t, failingBus{})

	rec := postEve(t, h, `{"host_id":"sensor-1","events":[{"event_type":"tls"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("persisted batch must succeed despite publish failure, got %d", rec.Code)
	}

	if _, err := store.Hosts.Get(context.Background(), "sensor-1"); err != nil {
		t.Errorf("expected host persisted: %v", err)
	}
}

func TestHandleEveUsesPayloadTimestamp(t *testing.T) {
	cb := &capturingBus{}
	h, _ := newTestHandler(t, cb)

	rec := postEve(t, h, `{
		"host_id": "sensor-1",
		"events": [{"event_type":"tls","timestamp":"2026-05-01T10:00:00.123456-0300"}]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var envelope schema.BatchEnvelope
	json.Unmarshal(cb.published()[0], &envelope)
	want := time.Date(2026, 5, 1, 10, 0, 0, 123456000, time.FixedZone("", -3*60*60))
	if !envelope.Events[0].Timestamp.Equal(want) {
		t.Errorf("expected sensor timestamp %v, got %v", want, envelope.Events[0].Timestamp)
	}
}

func TestHealthCheck(t *testing.T) {
	h, _ := newTestHandler(t, &capturingBus{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != true || body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestHealthCheckDegradedStorage(t *testing.T) {
	h, _ := newTestHandler(t, &capturingBus{})
	h = h.WithPinger(func(context.Context) error {
		return errors.New("connection refused")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with unreachable store, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != false || body["status"] != "degraded" {
		t.Errorf("unexpected degraded body: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, &capturingBus{})

	postEve(t, h, `{"host_id":"sensor-1","events":[{"event_type":"tls"}]}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.Metrics(rec, req)

	out := rec.Body.String()
	if !strings.Contains(out, "minewatch_events_total 1") {
		t.Errorf("missing events counter:\n%s", out)
	}
	if !strings.Contains(out, "minewatch_batches_total 1") {
		t.Errorf("missing batches counter:\n%s", out)
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{"secret-key"}
	cfg.RateLimit.Enabled = false

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped, stop := WithMiddleware(inner, cfg)
	defer stop()

	req := httptest.NewRequest(http.MethodPost, "/ingest/eve", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ingest/eve", nil)
	req.Header.Set(cfg.Auth.APIKeyHeader, "wrong")
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ingest/eve", nil)
	req.Header.Set(cfg.Auth.APIKeyHeader, "secret-key")
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid key, got %d", rec.Code)
	}

	// Probes bypass auth.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected healthz to bypass auth, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 2,
		BurstSize:     0,
		WindowSize:    time.Minute,
		CleanupPeriod: time.Minute,
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limiter := NewRateLimiter(cfg)
	defer limiter.Stop()
	wrapped := rateLimitMiddleware(inner, limiter)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/ingest/eve", nil)
		req.RemoteAddr = "10.0.0.1:4444"
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/ingest/eve", nil)
	req.RemoteAddr = "10.0.0.1:4444"
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 over the limit, got %d", rec.Code)
	}

	// A different client is unaffected.
	req = httptest.NewRequest(http.MethodPost, "/ingest/eve", nil)
	req.RemoteAddr = "10.0.0.2:4444"
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected other client allowed, got %d", rec.Code)
	}
}
