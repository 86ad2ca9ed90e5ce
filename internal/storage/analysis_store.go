package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
)

// AnalysisStore persists pass history and routing decisions. It observes
// the analyzer so every pass is on disk as soon as it completes.
type AnalysisStore struct {
	db *DB
}

// NewAnalysisStore creates a new analysis store
func NewAnalysisStore(db *DB) *AnalysisStore {
	return &AnalysisStore{db: db}
}

// DecisionRecord is a stored routing decision with the analysis facts
// that produced it
type DecisionRecord struct {
	Decision       *core.RoutingDecision `json:"decision"`
	HighStakes     bool                  `json:"high_stakes"`
	EscalationPath []core.Tier           `json:"escalation_path"`
}

// DecisionFilter narrows a decision listing
type DecisionFilter struct {
	EventID core.EventID
	Verdict core.Verdict
	Limit   int
}

// Stats summarizes stored analyses
type Stats struct {
	Decisions    int                      `json:"decisions"`
	ByVerdict    map[core.Verdict]int     `json:"by_verdict"`
	ByFinalTier  map[string]int           `json:"by_final_tier"`
	Degradations map[core.Degradation]int `json:"degradations"`
	HighStakes   int                      `json:"high_stakes"`
	AvgPasses    float64                  `json:"avg_passes"`
	PassesByTier map[string]int           `json:"passes_by_tier"`
	TokensByTier map[string]core.Usage    `json:"tokens_by_tier"`
}

// PassCompleted records p, logging rather than failing on storage errors
func (s *AnalysisStore) PassCompleted(ctx context.Context, _ *core.PerceivedEvent, p *core.PassResult) {
	if err := s.SavePass(ctx, p); err != nil {
		logging.WithField("event_id", p.EventID).Error("failed to save pass %d: %v", p.PassNumber, err)
	}
}

// AnalysisFinished records the analysis's decision
func (s *AnalysisStore) AnalysisFinished(ctx context.Context, _ *core.PerceivedEvent, a *core.Analysis) {
	if err := s.SaveAnalysis(ctx, a); err != nil {
		logging.WithField("event_id", a.EventID).Error("failed to save decision: %v", err)
	}
}

// SavePass stores one pass. The first pass of a run clears the passes of
// any earlier run of the same event.
func (s *AnalysisStore) SavePass(ctx context.Context, p *core.PassResult) error {
	if p == nil || p.EventID == "" {
		return fmt.Errorf("%w: pass event id", core.ErrMissingRequired)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pass: %w", err)
	}
	started := p.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if p.PassNumber == 1 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM passes WHERE event_id = ?`, p.EventID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO passes (
				event_id, pass_number, tier, model, action_confidence, extractions,
				changed_count, context_items, degraded, input_tokens, output_tokens,
				duration_ms, started_at, payload
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.EventID, p.PassNumber, p.Tier.String(), p.Model, p.ActionConfidence, len(p.Extractions),
			p.ChangedCount, p.ContextItems, string(p.Degraded), p.Usage.InputTokens, p.Usage.OutputTokens,
			p.Duration.Milliseconds(), started.UTC(), string(payload),
		)
		return err
	})
}

// Passes returns the stored pass history of an event in pass order
func (s *AnalysisStore) Passes(ctx context.Context, id core.EventID) ([]core.PassResult, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT payload FROM passes WHERE event_id = ? ORDER BY pass_number
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.PassResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p core.PassResult
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode pass: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, core.ErrEventNotFound
	}
	return out, nil
}

// SaveAnalysis stores the analysis's routing decision
func (s *AnalysisStore) SaveAnalysis(ctx context.Context, a *core.Analysis) error {
	if a == nil || a.Decision == nil {
		return fmt.Errorf("%w: analysis decision", core.ErrMissingRequired)
	}
	d := a.Decision
	if d.ID == "" || d.EventID == "" {
		return fmt.Errorf("%w: decision id and event id", core.ErrMissingRequired)
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	degradations, _ := json.Marshal(nonNil(d.Degradations))
	path, _ := json.Marshal(nonNil(a.EscalationPath))

	decided := d.DecidedAt
	if decided.IsZero() {
		decided = time.Now()
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO decisions (
			id, event_id, verdict, tier, passes, action_confidence, high_stakes,
			degradations, escalation_path, payload, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.EventID, string(d.Verdict), d.Tier.String(), d.Passes, d.ActionConfidence, a.HighStakes,
		string(degradations), string(path), string(payload), decided.UTC(),
	)
	return err
}

const decisionColumns = `payload, high_stakes, escalation_path`

func scanDecision(scan func(dest ...interface{}) error) (*DecisionRecord, error) {
	var payload, path string
	rec := &DecisionRecord{Decision: &core.RoutingDecision{}}
	if err := scan(&payload, &rec.HighStakes, &path); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), rec.Decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	if err := json.Unmarshal([]byte(path), &rec.EscalationPath); err != nil {
		return nil, fmt.Errorf("decode escalation path: %w", err)
	}
	return rec, nil
}

// Decision returns a stored decision by id
func (s *AnalysisStore) Decision(ctx context.Context, id string) (*DecisionRecord, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	rec, err := scanDecision(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDecisionNotFound
	}
	return rec, err
}

// LatestDecision returns the most recent decision for an event
func (s *AnalysisStore) LatestDecision(ctx context.Context, id core.EventID) (*DecisionRecord, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+decisionColumns+` FROM decisions WHERE event_id = ?
		ORDER BY decided_at DESC LIMIT 1
	`, id)
	rec, err := scanDecision(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDecisionNotFound
	}
	return rec, err
}

// Decisions lists decisions newest first
func (s *AnalysisStore) Decisions(ctx context.Context, f DecisionFilter) ([]*DecisionRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.Verdict != "" {
		where = append(where, "verdict = ?")
		args = append(args, string(f.Verdict))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + decisionColumns + ` FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY decided_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats aggregates every stored decision and pass
func (s *AnalysisStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByVerdict:    map[core.Verdict]int{},
		ByFinalTier:  map[string]int{},
		Degradations: map[core.Degradation]int{},
		PassesByTier: map[string]int{},
		TokensByTier: map[string]core.Usage{},
	}

	rows, err := s.db.conn.QueryContext(ctx, `SELECT verdict, tier, passes, high_stakes, degradations FROM decisions`)
	if err != nil {
		return nil, err
	}
	totalPasses := 0
	for rows.Next() {
		var (
			verdict, tier, degradations string
			passes                      int
			highStakes                  bool
		)
		if err := rows.Scan(&verdict, &tier, &passes, &highStakes, &degradations); err != nil {
			rows.Close()
			return nil, err
		}
		st.Decisions++
		st.ByVerdict[core.Verdict(verdict)]++
		st.ByFinalTier[tier]++
		totalPasses += passes
		if highStakes {
			st.HighStakes++
		}
		var ds []core.Degradation
		if err := json.Unmarshal([]byte(degradations), &ds); err == nil {
			for _, d := range ds {
				st.Degradations[d]++
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if st.Decisions > 0 {
		st.AvgPasses = float64(totalPasses) / float64(st.Decisions)
	}

	rows, err = s.db.conn.QueryContext(ctx, `
		SELECT tier, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM passes GROUP BY tier
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tier  string
			count int
			usage core.Usage
		)
		if err := rows.Scan(&tier, &count, &usage.InputTokens, &usage.OutputTokens); err != nil {
			return nil, err
		}
		st.PassesByTier[tier] = count
		st.TokensByTier[tier] = usage
	}
	return st, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
