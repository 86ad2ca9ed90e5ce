// Package routing turns a finalized pass into a routing verdict: applied
// automatically, or queued for a human.
package routing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/ponder/internal/core"
)

// Router applies the confidence thresholds to a final pass.
// A Router is safe for concurrent use.
type Router struct {
	matrix Matrix
	now    func() time.Time
}

// Option configures a Router
type Option func(*Router)

// WithMatrix replaces the default required matrix
func WithMatrix(m Matrix) Option {
	return func(r *Router) { r.matrix = m }
}

// WithClock sets the clock used for DecidedAt
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router with the default matrix
func New(opts ...Option) *Router {
	r := &Router{matrix: DefaultMatrix(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route decides the verdict for final.
//
// AUTO_APPLY iff the pass is usable, its action confidence meets
// thresholds.Action, every required non-creation extraction meets
// thresholds.RequiredEnrichment and no degradation forces QUEUE.
// Creation extractions are never applied or pre-selected; they are marked
// deferred for the orphan question manager.
func (r *Router) Route(final *core.PassResult, th core.Thresholds, degradations ...core.Degradation) *core.RoutingDecision {
	d := &core.RoutingDecision{
		ID:        uuid.NewString(),
		Verdict:   core.VerdictQueue,
		DecidedAt: r.now().UTC(),
	}
	d.Degradations = dedup(degradations)

	if final == nil {
		d.Reasons = append(d.Reasons, "no pass result")
		return d
	}
	d.EventID = final.EventID
	d.Action = final.Action
	d.ActionConfidence = final.ActionConfidence
	d.Tier = final.Tier
	d.Passes = final.PassNumber

	auto := true
	if !final.Usable() {
		auto = false
		d.Reasons = append(d.Reasons, fmt.Sprintf("final pass carries no information (%s)", final.Degraded))
	}
	if final.ActionConfidence < th.Action {
		auto = false
		d.Reasons = append(d.Reasons, fmt.Sprintf("action confidence %.2f below %.2f", final.ActionConfidence, th.Action))
	}
	for _, deg := range d.Degradations {
		if deg.ForcesQueue() {
			auto = false
			d.Reasons = append(d.Reasons, "degraded: "+string(deg))
		}
	}

	d.Items = make([]core.DecisionItem, 0, len(final.Extractions))
	for i, x := range final.Extractions {
		x.Required = r.matrix.Resolve(x)
		item := core.DecisionItem{Index: i, Extraction: x}

		switch {
		case x.IsCreation():
			item.Deferred = true
		case x.Type == core.ExtractionUnparsed:
			// shown for review only
		case x.Required:
			item.Preselected = true
			item.Locked = true
			if x.Confidence < th.RequiredEnrichment {
				auto = false
				d.Reasons = append(d.Reasons, fmt.Sprintf("required %s extraction %d confidence %.2f below %.2f",
					x.Type, i, x.Confidence, th.RequiredEnrichment))
			}
		default:
			item.Preselected = x.Confidence >= th.OptionalEnrichment
		}
		d.Items = append(d.Items, item)
	}

	if auto {
		d.Verdict = core.VerdictAutoApply
		for i := range d.Items {
			it := &d.Items[i]
			// Required items cleared their threshold above; optional ones
			// are applied iff pre-selected.
			it.Applied = it.Preselected && !it.Deferred
		}
	}
	return d
}

func dedup(in []core.Degradation) []core.Degradation {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[core.Degradation]bool, len(in))
	out := make([]core.Degradation, 0, len(in))
	for _, d := range in {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
