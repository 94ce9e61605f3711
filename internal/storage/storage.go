// Package storage provides the relational store behind the detection
// pipeline: one interface per entity with a Postgres backend and an
// in-memory backend for development and tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"minewatch/internal/schema"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("storage: not found")

// HostStore tracks known hosts.
type HostStore interface {
	// Upsert creates the host on first sighting or touches last_seen.
	// Idempotent per host id.
	Upsert(ctx context.Context, id string) (*schema.Host, error)
	Get(ctx context.Context, id string) (*schema.Host, error)
}

// EventStore persists immutable events.
type EventStore interface {
	// CreateBatch persists all events in one atomic unit; partial
	// persistence must not occur. The host is upserted in the same
	// transaction.
	CreateBatch(ctx context.Context, hostID string, events []schema.Event) error
	Get(ctx context.Context, id uuid.UUID) (*schema.Event, error)
}

// RuleStore provides CRUD over IOC rules.
type RuleStore interface {
	// ListEnabled returns enabled rules, newest-created-first. Detection
	// calls this fresh for every evaluated event.
	ListEnabled(ctx context.Context) ([]schema.Rule, error)
	List(ctx context.Context) ([]schema.Rule, error)
	Create(ctx context.Context, rule schema.Rule) (*schema.Rule, error)
	// Toggle sets enabled to the explicit desired value and returns the
	// updated rule. ErrNotFound if the id is unknown.
	Toggle(ctx context.Context, id uuid.UUID, enabled bool) (*schema.Rule, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteByTag bulk-removes rules carrying the tag and reports how many.
	DeleteByTag(ctx context.Context, tag string) (int64, error)
}

// AlertFilter narrows alert listings. Zero values mean "no filter".
type AlertFilter struct {
	HostID string
	Since  time.Time
	Limit  int
}

// AlertStore persists and queries alerts.
type AlertStore interface {
	Create(ctx context.Context, alert schema.Alert) (*schema.Alert, error)
	// List returns alerts newest-first, each joined to its source event,
	// capped at filter.Limit (DefaultAlertLimit when zero). Host filtering
	// resolves through the referenced event.
	List(ctx context.Context, filter AlertFilter) ([]schema.Alert, error)
	FindByEvent(ctx context.Context, eventID uuid.UUID) ([]schema.Alert, error)
}

// DefaultAlertLimit bounds alert listing pages.
const DefaultAlertLimit = 100

// Store bundles the per-entity stores of one backend.
type Store struct {
	Hosts  HostStore
	Events EventStore
	Rules  RuleStore
	Alerts AlertStore
}
