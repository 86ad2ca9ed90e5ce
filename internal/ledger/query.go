package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const selectEntries = `SELECT seq, id, ts, action, actor, entity_type, entity_id, details, prev_hash, hash FROM ledger`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                   Entry
		ts                  string
		etype, eid, details sql.NullString
	)
	if err := row.Scan(&e.Seq, &e.ID, &ts, &e.Action, &e.Actor, &etype, &eid, &details, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("entry %s: timestamp %q: %w", e.ID, ts, err)
	}
	e.Timestamp = t
	e.EntityType, e.EntityID, e.Details = etype.String, eid.String, details.String
	return &e, nil
}

// QueryOptions filters Query. Zero fields do not filter; a zero Limit
// returns everything and ignores Offset.
type QueryOptions struct {
	Action     string    `json:"action,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

func (o QueryOptions) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	eq := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+" = ?")
			args = append(args, v)
		}
	}
	eq("action", o.Action)
	eq("actor", o.Actor)
	eq("entity_type", o.EntityType)
	eq("entity_id", o.EntityID)
	if !o.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, o.Since.UTC().Format(time.RFC3339Nano))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query lists matching entries, newest first
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	where, args := opts.where()
	q := selectEntries + where + ` ORDER BY seq DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, max(opts.Offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger query: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetByID returns nil, nil when no entry has id
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectEntries+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger entry %s: %w", id, err)
	}
	return e, nil
}

// Count is the number of entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger`).Scan(&n)
	return n, err
}

// History lists every entry about one entity, newest first
func (s *Store) History(ctx context.Context, entityType, entityID string) ([]*Entry, error) {
	return s.Query(ctx, QueryOptions{EntityType: entityType, EntityID: entityID})
}

// Summary aggregates the ledger and includes a chain check
type Summary struct {
	TotalEntries int            `json:"total_entries"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
	ByAction     map[string]int `json:"by_action"`
	ByActor      map[string]int `json:"by_actor"`
	ChainValid   bool           `json:"chain_valid"`
	ChainError   string         `json:"chain_error,omitempty"`
}

// GetSummary counts entries by action and actor and verifies the chain
func (s *Store) GetSummary(ctx context.Context) (*Summary, error) {
	sum := &Summary{ByAction: map[string]int{}, ByActor: map[string]int{}}

	var first, last sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(ts), MAX(ts) FROM ledger`).
		Scan(&sum.TotalEntries, &first, &last); err != nil {
		return nil, fmt.Errorf("ledger summary: %w", err)
	}
	sum.FirstEntry = parseTS(first)
	sum.LastEntry = parseTS(last)

	for col, into := range map[string]map[string]int{"action": sum.ByAction, "actor": sum.ByActor} {
		if err := s.countBy(ctx, col, into); err != nil {
			return nil, fmt.Errorf("ledger summary by %s: %w", col, err)
		}
	}

	if err := s.VerifyChain(ctx); err != nil {
		sum.ChainError = err.Error()
	} else {
		sum.ChainValid = true
	}
	return sum, nil
}

func parseTS(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

// countBy groups on a fixed column name, never user input
func (s *Store) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM ledger GROUP BY `+column)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
