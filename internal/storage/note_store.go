package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/ponder/internal/core"
)

// Note is a record the user keeps: a project, person, organization or
// other entity that extractions enrich.
type Note struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Kind      string     `json:"kind,omitempty"` // project, person, organization, ...
	Body      string     `json:"body,omitempty"`
	Due       *time.Time `json:"due,omitempty"`
	Amount    *float64   `json:"amount,omitempty"`
	Aliases   []string   `json:"aliases,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NoteStore handles note persistence
type NoteStore struct {
	db *DB
}

// NewNoteStore creates a new note store
func NewNoteStore(db *DB) *NoteStore {
	return &NoteStore{db: db}
}

const noteColumns = `id, title, kind, body, due_date, amount, aliases, created_at, updated_at`

// Create stores a new note, assigning an id when it has none
func (s *NoteStore) Create(ctx context.Context, n *Note) error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: note title", core.ErrMissingRequired)
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	aliases, _ := json.Marshal(nonNil(n.Aliases))
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO notes (`+noteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Title, n.Kind, n.Body, nullTime(n.Due), nullFloat(n.Amount), string(aliases), n.CreatedAt, n.UpdatedAt)
	return err
}

// Update replaces a note's content
func (s *NoteStore) Update(ctx context.Context, n *Note) error {
	n.UpdatedAt = time.Now().UTC()
	aliases, _ := json.Marshal(nonNil(n.Aliases))

	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE notes SET title = ?, kind = ?, body = ?, due_date = ?, amount = ?, aliases = ?, updated_at = ?
		WHERE id = ?
	`, n.Title, n.Kind, n.Body, nullTime(n.Due), nullFloat(n.Amount), string(aliases), n.UpdatedAt, n.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

// Get returns a note by id
func (s *NoteStore) Get(ctx context.Context, id string) (*Note, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrRecordNotFound
	}
	return n, err
}

// Delete removes a note
func (s *NoteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	return err
}

// List returns notes ordered by title
func (s *NoteStore) List(ctx context.Context, limit int) ([]*Note, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+noteColumns+` FROM notes ORDER BY title COLLATE NOCASE, id LIMIT ?`, limit)
}

// FindByName returns notes whose title or an alias contains name,
// case-insensitively. Callers decide how good each match is.
func (s *NoteStore) FindByName(ctx context.Context, name string, limit int) ([]*Note, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(name) + "%"
	return s.query(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE title LIKE ? ESCAPE '\' OR aliases LIKE ? ESCAPE '\'
		ORDER BY length(title), id LIMIT ?
	`, pattern, pattern, limit)
}

// FindByDue returns notes due within [from, to]
func (s *NoteStore) FindByDue(ctx context.Context, from, to time.Time, limit int) ([]*Note, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE due_date IS NOT NULL AND due_date >= ? AND due_date <= ?
		ORDER BY due_date, id LIMIT ?
	`, from.UTC(), to.UTC(), limit)
}

// FindByAmount returns notes whose amount is within tolerance of amount
func (s *NoteStore) FindByAmount(ctx context.Context, amount, tolerance float64, limit int) ([]*Note, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE amount IS NOT NULL AND amount BETWEEN ? AND ?
		ORDER BY abs(amount - ?), id LIMIT ?
	`, amount-tolerance, amount+tolerance, amount, limit)
}

func (s *NoteStore) query(ctx context.Context, query string, args ...interface{}) ([]*Note, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		n, err := scanNote(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNote(scan func(dest ...interface{}) error) (*Note, error) {
	n := &Note{}
	var (
		due     sql.NullTime
		amount  sql.NullFloat64
		aliases string
	)
	if err := scan(&n.ID, &n.Title, &n.Kind, &n.Body, &due, &amount, &aliases, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Due = timePtr(due)
	if amount.Valid {
		v := amount.Float64
		n.Amount = &v
	}
	if err := json.Unmarshal([]byte(aliases), &n.Aliases); err != nil {
		return nil, fmt.Errorf("decode note aliases: %w", err)
	}
	if len(n.Aliases) == 0 {
		n.Aliases = nil
	}
	return n, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
