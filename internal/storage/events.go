package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"minewatch/internal/schema"
)

type pgEventStore struct {
	db *sql.DB
}

// CreateBatch upserts the host and inserts every event in one transaction.
// Any failure rolls back the whole batch.
func (s *pgEventStore) CreateBatch(ctx context.Context, hostID string, events []schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO hosts (id, name)
		VALUES ($1, $1)
		ON CONFLICT (id) DO UPDATE SET last_seen = now()`, hostID); err != nil {
		return fmt.Errorf("upsert host %q: %w", hostID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, host_id, kind, payload, ts)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event[%d] payload: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, hostID, ev.Kind, payload, ev.Timestamp); err != nil {
			return fmt.Errorf("insert event[%d]: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *pgEventStore) Get(ctx context.Context, id uuid.UUID) (*schema.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, host_id, kind, payload, ts
		FROM events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

func scanEvent(row rowScanner) (*schema.Event, error) {
	var (
		ev      schema.Event
		payload []byte
	)
	if err := row.Scan(&ev.ID, &ev.HostID, &ev.Kind, &payload, &ev.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return &ev, nil
}
