// Package storage provides persistence for ponder: received events, pass
// history, routing decisions, orphan questions and the notes consulted as
// context.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Config selects the database file. InMemory ignores Path and gives each
// DB its own private database.
type Config struct {
	Path        string
	InMemory    bool
	BusyTimeout time.Duration
}

// dsn encodes pragmas as modernc _pragma parameters so they apply to
// every connection the pool opens.
func (c Config) dsn() (string, error) {
	name := ":memory:"
	if !c.InMemory {
		if c.Path == "" {
			return "", errors.New("storage: database path is required")
		}
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
			return "", fmt.Errorf("storage: create data dir: %w", err)
		}
		name = c.Path
	}

	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	if !c.InMemory {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	// sqlite layout keeps stored times comparable in SQL
	q.Set("_time_format", "sqlite")
	return name + "?" + q.Encode(), nil
}

// DB is the single-writer SQLite handle shared by the stores
type DB struct {
	conn     *sql.DB
	path     string
	isMemory bool
}

// Open creates or opens the database. Call Migrate before use.
func Open(cfg Config) (*DB, error) {
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	// one writer; also keeps an in-memory database on a single connection
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Path, err)
	}
	return &DB{conn: conn, path: cfg.Path, isMemory: cfg.InMemory}, nil
}

// Close closes the pool
func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the pool to packages that own their own tables
func (db *DB) Conn() *sql.DB { return db.conn }

// Path is empty for in-memory databases
func (db *DB) Path() string {
	if db.isMemory {
		return ""
	}
	return db.path
}

// WithTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise, including on panic.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
