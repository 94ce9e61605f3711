package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"minewatch/internal/schema"
)

type pgHostStore struct {
	db *sql.DB
}

func (s *pgHostStore) Upsert(ctx context.Context, id string) (*schema.Host, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO hosts (id, name)
		VALUES ($1, $1)
		ON CONFLICT (id) DO UPDATE SET last_seen = now()
		RETURNING id, name, labels, created_at, last_seen`, id)
	return scanHost(row)
}

func (s *pgHostStore) Get(ctx context.Context, id string) (*schema.Host, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, labels, created_at, last_seen
		FROM hosts WHERE id = $1`, id)
	host, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return host, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (*schema.Host, error) {
	var (
		h      schema.Host
		labels []byte
	)
	if err := row.Scan(&h.ID, &h.Name, &labels, &h.CreatedAt, &h.LastSeen); err != nil {
		return nil, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &h.Labels); err != nil {
			return nil, fmt.Errorf("decode host labels: %w", err)
		}
	}
	return &h, nil
}
