package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

// EventStore keeps the events submitted for analysis
type EventStore struct {
	db *DB
}

// NewEventStore creates a new event store
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Save records ev. Saving the same id again replaces the stored copy.
func (s *EventStore) Save(ctx context.Context, ev *core.PerceivedEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event id", core.ErrMissingRequired)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var occurred sql.NullTime
	if !ev.Timestamp.IsZero() {
		occurred = sql.NullTime{Time: ev.Timestamp.UTC(), Valid: true}
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO events (id, source, sender, subject, occurred_at, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			sender = excluded.sender,
			subject = excluded.subject,
			occurred_at = excluded.occurred_at,
			payload = excluded.payload
	`, ev.ID, ev.Source, ev.Sender, ev.Subject, occurred, string(payload), time.Now().UTC())
	return err
}

// Get returns a stored event
func (s *EventStore) Get(ctx context.Context, id core.EventID) (*core.PerceivedEvent, error) {
	var payload string
	err := s.db.conn.QueryRowContext(ctx, `SELECT payload FROM events WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	ev := &core.PerceivedEvent{}
	if err := json.Unmarshal([]byte(payload), ev); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return ev, nil
}

// Recent returns up to limit events, newest first
func (s *EventStore) Recent(ctx context.Context, limit int) ([]*core.PerceivedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT payload FROM events ORDER BY received_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.PerceivedEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		ev := &core.PerceivedEvent{}
		if err := json.Unmarshal([]byte(payload), ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
