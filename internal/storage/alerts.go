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

type pgAlertStore struct {
	db *sql.DB
}

func (s *pgAlertStore) Create(ctx context.Context, alert schema.Alert) (*schema.Alert, error) {
	reason, err := json.Marshal(alert.Reason)
	if err != nil {
		return nil, fmt.Errorf("encode alert reason: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO alerts (id, event_id, severity, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id, event_id, severity, reason, created_at`,
		alert.ID, alert.EventID, alert.Severity, reason)
	return scanAlert(row)
}

func (s *pgAlertStore) List(ctx context.Context, filter AlertFilter) ([]schema.Alert, error) {
	limit := filter.Limit
	if limit <= 0 || limit > DefaultAlertLimit {
		limit = DefaultAlertLimit
	}

	query := `
		SELECT a.id, a.event_id, a.severity, a.reason, a.created_at,
		       e.id, e.host_id, e.kind, e.payload, e.ts
		FROM alerts a
		JOIN events e ON e.id = a.event_id
		WHERE 1=1`
	args := make([]any, 0, 3)

	if filter.HostID != "" {
		args = append(args, filter.HostID)
		query += fmt.Sprintf(" AND e.host_id = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND a.created_at >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY a.created_at DESC, a.id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]schema.Alert, 0)
	for rows.Next() {
		var (
			a       schema.Alert
			ev      schema.Event
			reason  []byte
			payload []byte
		)
		if err := rows.Scan(&a.ID, &a.EventID, &a.Severity, &reason, &a.CreatedAt,
			&ev.ID, &ev.HostID, &ev.Kind, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(reason, &a.Reason); err != nil {
			return nil, fmt.Errorf("decode alert reason: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		a.Event = &ev
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *pgAlertStore) FindByEvent(ctx context.Context, eventID uuid.UUID) ([]schema.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, severity, reason, created_at
		FROM alerts WHERE event_id = $1
		ORDER BY created_at DESC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query alerts by event: %w", err)
	}
	defer rows.Close()

	alerts := make([]schema.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (*schema.Alert, error) {
	var (
		a      schema.Alert
		reason []byte
	)
	if err := row.Scan(&a.ID, &a.EventID, &a.Severity, &reason, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(reason, &a.Reason); err != nil {
		return nil, fmt.Errorf("decode alert reason: %w", err)
	}
	return &a, nil
}
