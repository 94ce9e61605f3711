// Package detect implements the rule evaluation engine. It consumes accepted
// batches from the raw-event topic, matches each event against the enabled
// IOC rules and emits alerts.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"minewatch/internal/bus"
	"minewatch/internal/schema"
	"minewatch/internal/storage"
)

// matchFields is the evaluation order of indicator fields within an event.
var matchFields = []struct {
	name string
	get  func(schema.RawPayload) string
}{
	{"tls_sni", schema.RawPayload.SNI},
	{"dns_rrname", schema.RawPayload.DNSQueryName},
	{"http_hostname", schema.RawPayload.HTTPHostname},
	{"http_url", schema.RawPayload.HTTPURL},
	{"http_user_agent", schema.RawPayload.HTTPUserAgent},
}

// Engine is the standing detection subscriber.
type Engine struct {
	store      *storage.Store
	bus        bus.Bus
	alertTopic string
	logger     *slog.Logger

	eventsEvaluated atomic.Uint64
	eventsMatched   atomic.Uint64
	alertsCreated   atomic.Uint64
	evalErrors      atomic.Uint64
}

// NewEngine creates a detection Engine.
func NewEngine(store *storage.Store, b bus.Bus, alertTopic string, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		bus:        b,
		alertTopic: alertTopic,
		logger:     logger,
	}
}

// Start subscribes the engine to the raw-event topic. One standing
// subscription processes batches sequentially, so alerts for a batch are
// written in event order.
func (e *Engine) Start(eventTopic string) error {
	if err := e.bus.Subscribe(eventTopic, e.handleBatch); err != nil {
		return fmt.Errorf("detect: subscribe: %w", err)
	}
	e.logger.Info("detection engine started", "event_topic", eventTopic, "alert_topic", e.alertTopic)
	return nil
}

// handleBatch evaluates every event of a batch envelope. A failure on one
// event is logged and does not stop evaluation of the rest, so one bad
// record cannot suppress alerts for its neighbors.
func (e *Engine) handleBatch(ctx context.Context, payload []byte) error {
	var envelope schema.BatchEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("detect: decode envelope: %w", err)
	}

	for i := range envelope.Events {
		if err := e.Evaluate(ctx, &envelope.Events[i]); err != nil {
			e.evalErrors.Add(1)
			e.logger.Error("event evaluation failed",
				"error", err,
				"event_id", envelope.Events[i].ID,
				"host_id", envelope.HostID,
			)
		}
	}
	return nil
}

// Evaluate matches one event against the currently enabled rules and emits
// at most one alert. Rules are re-read from the store on every call so a
// toggle takes effect on the next evaluated event.
func (e *Engine) Evaluate(ctx context.Context, ev *schema.Event) error {
	e.eventsEvaluated.Add(1)

	rules, err := e.store.Rules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("detect: load rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	hits := matchEvent(ev.Payload, rules)
	if len(hits) == 0 {
		return nil
	}
	e.eventsMatched.Add(1)

	alert := schema.Alert{
		ID:       uuid.New(),
		EventID:  ev.ID,
		Severity: schema.SeverityHigh,
		Reason: schema.AlertReason{
			RuleHits: hits,
			SNI:      ev.Payload.SNI(),
			Kind:     ev.Kind,
		},
	}

	created, err := e.store.Alerts.Create(ctx, alert)
	if err != nil {
		return fmt.Errorf("detect: persist alert: %w", err)
	}
	e.alertsCreated.Add(1)

	e.logger.Info("alert created",
		"alert_id", created.ID,
		"event_id", ev.ID,
		"host_id", ev.HostID,
		"kind", ev.Kind,
		"hits", len(hits),
	)

	// The alert is durable; a publish failure only delays downstream
	// consumers and is not surfaced as an evaluation error.
	payload, err := json.Marshal(created)
	if err == nil {
		err = e.bus.Publish(ctx, e.alertTopic, payload)
	}
	if err != nil {
		e.logger.Error("failed to publish alert",
			"error", err,
			"alert_id", created.ID,
			"topic", e.alertTopic,
		)
	}

	return nil
}

// matchEvent returns one hit line per matching (rule, field) pair: rules in
// store order, each tested against the fields in evaluation order. Matching
// is a case-insensitive substring test; only DOMAIN_IOC rules participate.
func matchEvent(payload schema.RawPayload, rules []schema.Rule) []string {
	values := make([]string, len(matchFields))
	for i, field := range matchFields {
		values[i] = strings.ToLower(field.get(payload))
	}

	var hits []string
	for _, rule := range rules {
		if rule.Type != schema.RuleTypeDomainIOC || rule.Pattern == "" {
			continue
		}
		pattern := strings.ToLower(rule.Pattern)
		for i, field := range matchFields {
			if values[i] == "" {
				continue
			}
			if strings.Contains(values[i], pattern) {
				hits = append(hits, fmt.Sprintf("%s IOC match: %s", field.name, rule.Pattern))
			}
		}
	}
	return hits
}

// WriteMetrics appends engine counters in Prometheus text format.
func (e *Engine) WriteMetrics(w io.Writer) {
	fmt.Fprintf(w, "# HELP minewatch_detect_evaluated_total Events evaluated by the detection engine\n")
	fmt.Fprintf(w, "# TYPE minewatch_detect_evaluated_total counter\n")
	fmt.Fprintf(w, "minewatch_detect_evaluated_total %d\n\n", e.eventsEvaluated.Load())

	fmt.Fprintf(w, "# HELP minewatch_detect_matched_total Events that matched at least one rule\n")
	fmt.Fprintf(w, "# TYPE minewatch_detect_matched_total counter\n")
	fmt.Fprintf(w, "minewatch_detect_matched_total %d\n\n", e.eventsMatched.Load())

	fmt.Fprintf(w, "# HELP minewatch_alerts_created_total Alerts persisted by the detection engine\n")
	fmt.Fprintf(w, "# TYPE minewatch_alerts_created_total counter\n")
	fmt.Fprintf(w, "minewatch_alerts_created_total %d\n\n", e.alertsCreated.Load())

	fmt.Fprintf(w, "# HELP minewatch_detect_errors_total Event evaluations that failed\n")
	fmt.Fprintf(w, "# TYPE minewatch_detect_errors_total counter\n")
	fmt.Fprintf(w, "minewatch_detect_errors_total %d\n", e.evalErrors.Load())
}
