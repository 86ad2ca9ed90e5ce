package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quantumlife/ponder/internal/core"
)

// OrphanStore persists orphan questions. Writes are versioned: a save only
// replaces the stored row when it carries a newer version, so concurrent
// writers can never roll a question back.
type OrphanStore struct {
	db *DB
}

// NewOrphanStore creates a new orphan question store
func NewOrphanStore(db *DB) *OrphanStore {
	return &OrphanStore{db: db}
}

// SaveOrphan upserts q
func (s *OrphanStore) SaveOrphan(ctx context.Context, q *core.OrphanQuestion) error {
	if q == nil || q.ID == "" || q.Key == "" {
		return fmt.Errorf("%w: orphan id and key", core.ErrMissingRequired)
	}
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode orphan question: %w", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO orphan_questions (
			id, key, name, type, state, evidence, version, payload,
			created_at, updated_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			evidence = excluded.evidence,
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at
		WHERE excluded.version > orphan_questions.version
	`,
		q.ID, q.Key, q.Name, q.Type, string(q.State), len(q.Evidence), q.Version, string(payload),
		q.CreatedAt.UTC(), q.UpdatedAt.UTC(), nullTime(q.ResolvedAt),
	)
	return err
}

// LoadOrphans returns every stored question
func (s *OrphanStore) LoadOrphans(ctx context.Context) ([]*core.OrphanQuestion, error) {
	return s.query(ctx, `SELECT payload FROM orphan_questions ORDER BY created_at, id`)
}

// ByState returns the questions in state, oldest first
func (s *OrphanStore) ByState(ctx context.Context, state core.OrphanState) ([]*core.OrphanQuestion, error) {
	return s.query(ctx, `SELECT payload FROM orphan_questions WHERE state = ? ORDER BY created_at, id`, string(state))
}

// Get returns one stored question
func (s *OrphanStore) Get(ctx context.Context, id string) (*core.OrphanQuestion, error) {
	var payload string
	err := s.db.conn.QueryRowContext(ctx, `SELECT payload FROM orphan_questions WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrOrphanNotFound
	}
	if err != nil {
		return nil, err
	}
	q := &core.OrphanQuestion{}
	if err := json.Unmarshal([]byte(payload), q); err != nil {
		return nil, fmt.Errorf("decode orphan question %s: %w", id, err)
	}
	return q, nil
}

func (s *OrphanStore) query(ctx context.Context, query string, args ...interface{}) ([]*core.OrphanQuestion, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.OrphanQuestion
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		q := &core.OrphanQuestion{}
		if err := json.Unmarshal([]byte(payload), q); err != nil {
			return nil, fmt.Errorf("decode orphan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
