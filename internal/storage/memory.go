package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"minewatch/internal/schema"
)

// memoryBackend is the in-memory store used when Postgres is disabled. It
// mirrors the Postgres semantics: atomic batches, newest-first listings,
// alerts joined to their source events.
type memoryBackend struct {
	mu     sync.RWMutex
	hosts  map[string]*schema.Host
	events map[uuid.UUID]*schema.Event
	rules  map[uuid.UUID]*schema.Rule
	alerts map[uuid.UUID]*schema.Alert

	// seq breaks created_at ties so ordering stays deterministic.
	seq      uint64
	ruleSeq  map[uuid.UUID]uint64
	alertSeq map[uuid.UUID]uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *Store {
	b := &memoryBackend{
		hosts:    make(map[string]*schema.Host),
		events:   make(map[uuid.UUID]*schema.Event),
		rules:    make(map[uuid.UUID]*schema.Rule),
		alerts:   make(map[uuid.UUID]*schema.Alert),
		ruleSeq:  make(map[uuid.UUID]uint64),
		alertSeq: make(map[uuid.UUID]uint64),
	}
	return &Store{
		Hosts:  (*memHostStore)(b),
		Events: (*memEventStore)(b),
		Rules:  (*memRuleStore)(b),
		Alerts: (*memAlertStore)(b),
	}
}

func (b *memoryBackend) upsertHostLocked(id string, now time.Time) *schema.Host {
	if h, ok := b.hosts[id]; ok {
		h.LastSeen = now
		return h
	}
	h := &schema.Host{
		ID:        id,
		Name:      id,
		Labels:    map[string]string{},
		CreatedAt: now,
		LastSeen:  now,
	}
	b.hosts[id] = h
	return h
}

type memHostStore memoryBackend

func (s *memHostStore) Upsert(_ context.Context, id string) (*schema.Host, error) {
	b := (*memoryBackend)(s)
	b.mu.Lock()
	defer b.mu.Unlock()
	h := *b.upsertHostLocked(id, time.Now().UTC())
	return &h, nil
}

func (s *memHostStore) Get(_ context.Context, id string) (*schema.Host, error) {
	b := (*memoryBackend)(s)
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.hosts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

type memEventStore memoryBackend

func (s *memEventStore) CreateBatch(_ context.Context, hostID string, events []schema.Event) error {
	b := (*memoryBackend)(s)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upsertHostLocked(hostID, time.Now().UTC())
	for i := range events {
		ev := events[i]
		ev.HostID = hostID
		b.events[ev.ID] = &ev
	}
	return nil
}

func (s *memEventStore) Get(_ context.Context, id uuid.UUID) (*schema.Event, error) {
	b := (*memoryBackend)(s)
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

type memRuleStore memoryBackend

func (s *memRuleStore) ListEnabled(ctx context.Context) ([]schema.Rule, error) {
	return s.listWhere(func(r *schema.Rule) bool { return r.Enabled })
}

func (s *memRuleStore) List(ctx context.Context) ([]schema.Rule, error) {
	return s.listWhere(func(r *schema.Rule) bool { return true })
}

func (s *memRuleStore) listWhere(keep func(*schema.Rule) bool) ([]schema.Rule, error) {
	b := (*memoryBackend)(s)
	b.mu.RLock()
	defer b.mu.RUnlock()
	rules := make([]schema.Rule, 0)
	for _, r := range b.rules {
		if keep(r) {
			rules = append(rules, *r)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		return b.ruleSeq[rules[i].ID] > b.ruleSeq[rules[j].ID]
	})
	return rules, nil
}

func (s *memRuleStore) Create(_ context.Context, rule schema.Rule) (*schema.Rule, error) {
	b := (*memoryBackend)(s)
	b.mu.Lock()
	defer b.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.Tags == nil {
		rule.Tags = []string{}
	}
	b.seq++
	b.ruleSeq[rule.ID] = b.seq
	b.rules[rule.ID] = &rule
	cp := rule
	return &cp, nil
}

func (s *memRuleStore) Toggle(_ context.Context, id uuid.UUID, enabled bool) (*schema.Rule, error) {
	b := (*memoryBackend)(s)
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Enabled = enabled
	cp := *r
	return &cp, nil
}

func (s *memRuleStore) Delete(_ context.Context, id uuid.UUID) error {
	b := (*memoryBackend)(s)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rules[id]; !ok {
		return ErrNotFound
	}
	delete(b.rules, id)
	delete(b.ruleSeq, id)
	return nil
}

func (s *memRuleStore) DeleteByTag(_ context.Context, tag string) (int64, error) {
	b := (*memoryBackend)(s)
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for id, r := range b.rules {
		if r.HasTag(tag) {
			delete(b.rules, id)
			delete(b.ruleSeq, id)
			n++
		}
	}
	return n, nil
}

type memAlertStore memoryBackend

func (s *memAlertStore) Create(_ context.Context, alert schema.Alert) (*schema.Alert, error) {
	b := (*memoryBackend)(s)
	b.mu.Lock()
	defer b.mu.Unlock()
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.Event = nil
	b.seq++
	b.alertSeq[alert.ID] = b.seq
	b.alerts[alert.ID] = &alert
	cp := alert
	return &cp, nil
}

func (s *memAlertStore) List(_ context.Context, filter AlertFilter) ([]schema.Alert, error) {
	b := (*memoryBackend)(s)
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 || limit > DefaultAlertLimit {
		limit = DefaultAlertLimit
	}

	alerts := make([]schema.Alert, 0)
	for _, a := range b.alerts {
		ev, ok := b.events[a.EventID]
		if !ok {
			continue
		}
		if filter.HostID != "" && ev.HostID != filter.HostID {
			continue
		}
		if !filter.Since.IsZero() && a.CreatedAt.Before(filter.Since) {
			continue
		}
		cp := *a
		evCopy := *ev
		cp.Event = &evCopy
		alerts = append(alerts, cp)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return b.alertSeq[alerts[i].ID] > b.alertSeq[alerts[j].ID]
	})
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (s *memAlertStore) FindByEvent(_ context.Context, eventID uuid.UUID) ([]schema.Alert, error) {
	b := (*memoryBackend)(s)
	b.mu.RLock()
	defer b.mu.RUnlock()
	alerts := make([]schema.Alert, 0)
	for _, a := range b.alerts {
		if a.EventID == eventID {
			alerts = append(alerts, *a)
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		return b.alertSeq[alerts[i].ID] > b.alertSeq[alerts[j].ID]
	})
	return alerts, nil
}
