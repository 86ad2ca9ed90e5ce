// Package ledger is an append-only audit trail of analysis activity.
// Each entry carries the hash of its predecessor, so editing or removing
// a row breaks the chain and VerifyChain reports where.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Genesis is the prev_hash of the first entry
const Genesis = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Schema is idempotent
const Schema = `
CREATE TABLE IF NOT EXISTS ledger (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	ts          TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL,
	entity_type TEXT,
	entity_id   TEXT,
	details     TEXT,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entity ON ledger(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_ledger_action ON ledger(action);
`

// Actions
const (
	ActionPassCompleted     = "pass.completed"
	ActionAnalysisFinalized = "analysis.finalized"
	ActionEventSuperseded   = "event.superseded"
	ActionOrphanChanged     = "orphan.changed"
	ActionOrphanResolved    = "orphan.resolved"
	ActionConfigReloaded    = "config.reloaded"
)

// Actors
const (
	ActorAnalyzer = "analyzer"
	ActorUser     = "user"
	ActorSystem   = "system"
)

// Entity types
const (
	EntityEvent    = "event"
	EntityDecision = "decision"
	EntityOrphan   = "orphan"
	EntityConfig   = "config"
)

// Entry is one immutable ledger row. Details is the JSON encoding of
// whatever the caller appended.
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// Store reads and appends ledger rows on a shared database
type Store struct {
	db  *sql.DB
	mu  sync.Mutex // serializes appends so the chain stays linear
	now func() time.Time
}

// NewStore wraps db. Call EnsureSchema before the first Append.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// EnsureSchema creates the ledger table and indexes when missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ledger schema: %w", err)
	}
	return nil
}

// Append chains a new entry onto the ledger. It is the only write path;
// nothing updates or deletes rows.
func (s *Store) Append(ctx context.Context, action, actor, entityType, entityID string, details interface{}) (*Entry, error) {
	e := &Entry{
		ID:         uuid.NewString(),
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("ledger %s: encode details: %w", action, err)
		}
		e.Details = string(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger append: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT hash FROM ledger ORDER BY seq DESC LIMIT 1`).Scan(&e.PrevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.PrevHash = Genesis
	case err != nil:
		return nil, fmt.Errorf("ledger append: read chain head: %w", err)
	}

	e.Timestamp = s.now().UTC()
	e.Hash = computeHash(e)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (id, ts, action, actor, entity_type, entity_id, details, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Format(time.RFC3339Nano), e.Action, e.Actor,
		e.EntityType, e.EntityID, e.Details, e.PrevHash, e.Hash)
	if err != nil {
		return nil, fmt.Errorf("ledger append: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger append: commit: %w", err)
	}
	e.Seq, _ = res.LastInsertId()
	return e, nil
}

// computeHash is SHA-256 over the length-prefixed hashed fields. Seq and
// Hash are excluded; the timestamp is normalized to UTC.
func computeHash(e *Entry) string {
	h := sha256.New()
	for _, f := range []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Action,
		e.Actor,
		e.EntityType,
		e.EntityID,
		e.Details,
		e.PrevHash,
	} {
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
