// Package orphans manages deferred questions about creating new durable
// records. Proposals for the same normalized candidate merge into one
// question; rejections are scoped to a project or sender.
package orphans

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
)

// RejectionPolicy says how long a rejection suppresses a candidate
type RejectionPolicy string

const (
	RejectPermanent RejectionPolicy = "permanent"
	RejectExpiring  RejectionPolicy = "expiring"
)

// Config configures a Manager. Both fields are operator decisions and have
// no default.
type Config struct {
	Policy RejectionPolicy
	TTL    time.Duration // required when Policy is RejectExpiring
}

// Validate checks the rejection policy
func (c Config) Validate() error {
	switch c.Policy {
	case RejectPermanent:
		return nil
	case RejectExpiring:
		if c.TTL <= 0 {
			return fmt.Errorf("%w: expiring rejection policy needs a positive ttl", core.ErrInvalidConfig)
		}
		return nil
	case "":
		return fmt.Errorf("%w: rejection policy is required", core.ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unknown rejection policy %q", core.ErrInvalidConfig, c.Policy)
	}
}

// Store persists questions. SaveOrphan must ignore a write whose Version is
// not newer than the stored one.
type Store interface {
	SaveOrphan(ctx context.Context, q *core.OrphanQuestion) error
	LoadOrphans(ctx context.Context) ([]*core.OrphanQuestion, error)
}

// Outcome says what a Propose or Resolve call did
type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeMerged          Outcome = "merged"
	OutcomeSuppressed      Outcome = "suppressed"
	OutcomeAlreadyAccepted Outcome = "already_accepted"
	OutcomeAccepted        Outcome = "accepted"
	OutcomeRejected        Outcome = "rejected"
)

// Hook is called after every state change with the new snapshot
type Hook func(q *core.OrphanQuestion, outcome Outcome)

// Candidate is one creation proposal
type Candidate struct {
	Name       string
	Type       string
	EventID    core.EventID
	Scope      string
	Info       string
	Confidence float64
}

// CandidateFrom builds the candidate for a create-new extraction of ev
func CandidateFrom(ev *core.PerceivedEvent, x core.Extraction) Candidate {
	name := x.TargetNote
	if name == "" {
		name = x.Info
	}
	typ := x.TargetType
	if typ == "" {
		typ = string(x.Type)
	}
	return Candidate{
		Name:       name,
		Type:       typ,
		EventID:    ev.ID,
		Scope:      ev.Scope(),
		Info:       x.Info,
		Confidence: x.Confidence,
	}
}

// Result is the outcome of a proposal
type Result struct {
	Question *core.OrphanQuestion
	Outcome  Outcome
}

// Key returns the dedup key for a candidate name and type
func Key(name, typ string) string {
	return core.Fold(name) + "|" + core.Fold(typ)
}

// slot holds the current immutable snapshot for one key. Writers build a
// new snapshot and swap it in with compare-and-set.
type slot struct {
	q atomic.Pointer[core.OrphanQuestion]
}

// Manager is the arena of orphan questions. It is safe for concurrent use
// and takes no locks on the proposal path.
type Manager struct {
	cfg   Config
	store Store
	now   func() time.Time
	hooks []Hook

	byKey sync.Map // key -> *slot
	byID  sync.Map // id -> *slot
}

// Option configures a Manager
type Option func(*Manager)

// WithStore enables write-through persistence
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithClock sets the manager's clock
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHook registers a change hook
func WithHook(h Hook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, h) }
}

// NewManager creates a manager. The rejection policy is validated here.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Load rehydrates the arena from the store
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	qs, err := m.store.LoadOrphans(ctx)
	if err != nil {
		return 0, fmt.Errorf("load orphan questions: %w", err)
	}
	for _, q := range qs {
		if q.Key == "" {
			q.Key = Key(q.Name, q.Type)
		}
		s := &slot{}
		s.q.Store(q.Clone())
		m.byKey.Store(q.Key, s)
		m.byID.Store(q.ID, s)
	}
	logging.Info("loaded %d orphan questions", len(qs))
	return len(qs), nil
}

// Propose records c. A new key creates a pending question; an existing
// key appends evidence. A proposal whose scope has an active rejection is
// suppressed and leaves the question unchanged.
func (m *Manager) Propose(ctx context.Context, c Candidate) (*Result, error) {
	if core.Fold(c.Name) == "" {
		return nil, fmt.Errorf("%w: candidate name", core.ErrMissingRequired)
	}
	key := Key(c.Name, c.Type)

	v, _ := m.byKey.LoadOrStore(key, &slot{})
	s := v.(*slot)

	for {
		cur := s.q.Load()
		now := m.now().UTC()
		ev := core.Evidence{
			EventID:    c.EventID,
			Scope:      c.Scope,
			Info:       c.Info,
			Confidence: core.Clamp01(c.Confidence),
			SeenAt:     now,
		}

		if cur == nil {
			next := &core.OrphanQuestion{
				ID:        uuid.NewString(),
				Key:       key,
				Name:      c.Name,
				Type:      c.Type,
				State:     core.OrphanPending,
				Evidence:  []core.Evidence{ev},
				Version:   1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if !s.q.CompareAndSwap(nil, next) {
				continue
			}
			m.byID.Store(next.ID, s)
			return m.commit(ctx, next, OutcomeCreated)
		}

		switch {
		case cur.State == core.OrphanAccepted:
			return &Result{Question: cur.Clone(), Outcome: OutcomeAlreadyAccepted}, nil
		case cur.RejectedIn(c.Scope, now):
			logging.L().Debug("orphan proposal suppressed",
				zap.String("key", key), zap.String("scope", c.Scope))
			return &Result{Question: cur.Clone(), Outcome: OutcomeSuppressed}, nil
		}

		if hasEvidenceFrom(cur, c.EventID) {
			return &Result{Question: cur.Clone(), Outcome: OutcomeMerged}, nil
		}

		next := cur.Clone()
		next.Evidence = append(next.Evidence, ev)
		// Rejected elsewhere only: the question is open again in this scope.
		if next.State == core.OrphanRejected {
			next.State = core.OrphanPending
			next.ResolvedAt = nil
		}
		next.Version++
		next.UpdatedAt = now
		if s.q.CompareAndSwap(cur, next) {
			return m.commit(ctx, next, OutcomeMerged)
		}
	}
}

func hasEvidenceFrom(q *core.OrphanQuestion, id core.EventID) bool {
	if id == "" {
		return false
	}
	for _, e := range q.Evidence {
		if e.EventID == id {
			return true
		}
	}
	return false
}

// Resolve records a human decision. Accepting is final; rejecting adds a
// rejection for each scope (all evidence scopes when none are given).
func (m *Manager) Resolve(ctx context.Context, id string, state core.OrphanState, scopes ...string) (*core.OrphanQuestion, error) {
	if state != core.OrphanAccepted && state != core.OrphanRejected {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidResolution, state)
	}
	v, ok := m.byID.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrOrphanNotFound, id)
	}
	s := v.(*slot)

	for {
		cur := s.q.Load()
		if cur.State == core.OrphanAccepted {
			return nil, fmt.Errorf("%w: %s", core.ErrOrphanAlreadyResolved, id)
		}
		now := m.now().UTC()
		next := cur.Clone()
		next.State = state
		next.ResolvedAt = &now
		next.UpdatedAt = now
		next.Version++

		outcome := OutcomeAccepted
		if state == core.OrphanRejected {
			outcome = OutcomeRejected
			targets := scopes
			if len(targets) == 0 {
				targets = evidenceScopes(cur)
			}
			next.Rejections = m.reject(next.Rejections, targets, now)
		}

		if s.q.CompareAndSwap(cur, next) {
			res, err := m.commit(ctx, next, outcome)
			if res == nil {
				return nil, err
			}
			return res.Question, err
		}
	}
}

// reject returns rs with a fresh rejection for every scope in targets
func (m *Manager) reject(rs []core.Rejection, targets []string, now time.Time) []core.Rejection {
	var expires *time.Time
	if m.cfg.Policy == RejectExpiring {
		t := now.Add(m.cfg.TTL)
		expires = &t
	}
	want := make(map[string]bool, len(targets))
	for _, s := range targets {
		want[s] = true
	}

	out := make([]core.Rejection, 0, len(rs)+len(targets))
	for _, r := range rs {
		if want[r.Scope] || !r.Active(now) {
			continue
		}
		out = append(out, r)
	}
	for _, s := range targets {
		if !want[s] {
			continue
		}
		delete(want, s)
		out = append(out, core.Rejection{Scope: s, At: now, ExpiresAt: expires})
	}
	return out
}

func evidenceScopes(q *core.OrphanQuestion) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range q.Evidence {
		if !seen[e.Scope] {
			seen[e.Scope] = true
			out = append(out, e.Scope)
		}
	}
	return out
}

// commit persists and announces a new snapshot. The in-memory state is
// authoritative; a persistence failure is returned alongside the result.
func (m *Manager) commit(ctx context.Context, q *core.OrphanQuestion, outcome Outcome) (*Result, error) {
	logging.L().Info("orphan question "+string(outcome),
		zap.String("id", q.ID),
		zap.String("key", q.Key),
		zap.Int("evidence", len(q.Evidence)),
		zap.Int64("version", q.Version))

	var err error
	if m.store != nil {
		if serr := m.store.SaveOrphan(ctx, q); serr != nil {
			err = fmt.Errorf("persist orphan question %s: %w", q.ID, serr)
		}
	}
	for _, h := range m.hooks {
		h(q.Clone(), outcome)
	}
	return &Result{Question: q.Clone(), Outcome: outcome}, err
}

// Get returns a snapshot of the question with id
func (m *Manager) Get(id string) (*core.OrphanQuestion, error) {
	v, ok := m.byID.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrOrphanNotFound, id)
	}
	return v.(*slot).q.Load().Clone(), nil
}

// Lookup returns the question for a candidate name and type, if any
func (m *Manager) Lookup(name, typ string) (*core.OrphanQuestion, bool) {
	v, ok := m.byKey.Load(Key(name, typ))
	if !ok {
		return nil, false
	}
	q := v.(*slot).q.Load()
	if q == nil {
		return nil, false
	}
	return q.Clone(), true
}

// List returns snapshots of all questions, oldest first. An empty state
// lists every question.
func (m *Manager) List(state core.OrphanState) []*core.OrphanQuestion {
	var out []*core.OrphanQuestion
	m.byID.Range(func(_, v any) bool {
		q := v.(*slot).q.Load()
		if q != nil && (state == "" || q.State == state) {
			out = append(out, q.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
