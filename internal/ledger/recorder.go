package ledger

import (
	"context"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
	"github.com/quantumlife/ponder/internal/orphans"
)

// Recorder writes analysis activity to the ledger. It observes the analyzer
// and the orphan manager; ledger failures are logged, never propagated.
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// PassCompleted records one pass
func (r *Recorder) PassCompleted(ctx context.Context, ev *core.PerceivedEvent, p *core.PassResult) {
	details := map[string]interface{}{
		"pass":              p.PassNumber,
		"tier":              p.Tier.String(),
		"model":             p.Model,
		"action":            p.Action.Kind,
		"action_confidence": p.ActionConfidence,
		"extractions":       len(p.Extractions),
		"changed":           p.ChangedCount,
		"context_items":     p.ContextItems,
		"input_tokens":      p.Usage.InputTokens,
		"output_tokens":     p.Usage.OutputTokens,
	}
	if p.Degraded != "" {
		details["degraded"] = p.Degraded
	}
	r.append(ctx, ActionPassCompleted, ActorAnalyzer, EntityEvent, string(ev.ID), details)
}

// AnalysisFinished records the routing decision
func (r *Recorder) AnalysisFinished(ctx context.Context, ev *core.PerceivedEvent, a *core.Analysis) {
	d := a.Decision
	if d == nil {
		return
	}
	path := make([]string, len(a.EscalationPath))
	for i, t := range a.EscalationPath {
		path[i] = t.String()
	}
	r.append(ctx, ActionAnalysisFinalized, ActorAnalyzer, EntityDecision, d.ID, map[string]interface{}{
		"event_id":          string(ev.ID),
		"verdict":           d.Verdict,
		"tier":              d.Tier.String(),
		"passes":            d.Passes,
		"action_confidence": d.ActionConfidence,
		"applied":           len(d.Applied()),
		"deferred":          len(d.Deferred()),
		"high_stakes":       a.HighStakes,
		"degradations":      d.Degradations,
		"escalation_path":   path,
	})
}

// OrphanChanged is an orphans.Hook
func (r *Recorder) OrphanChanged(q *core.OrphanQuestion, outcome orphans.Outcome) {
	action, actor := ActionOrphanChanged, ActorAnalyzer
	if outcome == orphans.OutcomeAccepted || outcome == orphans.OutcomeRejected {
		action, actor = ActionOrphanResolved, ActorUser
	}
	details := map[string]interface{}{
		"outcome":  outcome,
		"key":      q.Key,
		"state":    q.State,
		"version":  q.Version,
		"evidence": len(q.Evidence),
	}
	if n := len(q.Evidence); n > 0 && action == ActionOrphanChanged {
		details["event_id"] = string(q.Evidence[n-1].EventID)
	}
	r.append(context.Background(), action, actor, EntityOrphan, q.ID, details)
}

// Superseded records that a running analysis was abandoned
func (r *Recorder) Superseded(ctx context.Context, id core.EventID, actor string) {
	r.append(ctx, ActionEventSuperseded, actor, EntityEvent, string(id), nil)
}

// ConfigReloaded records a hot reload of routing policy
func (r *Recorder) ConfigReloaded(ctx context.Context, path string, thresholds core.Thresholds) {
	r.append(ctx, ActionConfigReloaded, ActorSystem, EntityConfig, path, thresholds)
}

func (r *Recorder) append(ctx context.Context, action, actor, entityType, entityID string, details interface{}) {
	if _, err := r.store.Append(context.WithoutCancel(ctx), action, actor, entityType, entityID, details); err != nil {
		logging.WithFields(map[string]interface{}{
			"action":    action,
			"entity_id": entityID,
			"error":     err.Error(),
		}).Error("ledger append failed")
	}
}
