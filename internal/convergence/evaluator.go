// Package convergence decides, after every pass, whether the analysis loop
// should run again at the same tier, move up a tier, or finalize.
package convergence

import (
	"github.com/quantumlife/ponder/internal/core"
)

// Decision is the outcome of one evaluation
type Decision int

const (
	Continue Decision = iota
	Escalate
	Stop
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "CONTINUE"
	case Escalate:
		return "ESCALATE"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Reason explains a decision; it is logged and recorded with the pass
type Reason string

const (
	ReasonStart         Reason = "start"
	ReasonMaxPasses     Reason = "max_passes"
	ReasonDegraded      Reason = "zero_information_pass"
	ReasonConfident     Reason = "confidence_ceiling"
	ReasonUnchanged     Reason = "extractions_unchanged"
	ReasonTierBudget    Reason = "tier_budget_exhausted"
	ReasonHighStakes    Reason = "high_stakes_requires_top"
	ReasonNeedsEvidence Reason = "needs_context"
)

// Verdict is what Evaluate returns
type Verdict struct {
	Decision Decision  `json:"decision"`
	Reason   Reason    `json:"reason"`
	Next     core.Tier `json:"next"` // tier of the next pass; meaningless on Stop
}

// Policy holds the limits the evaluator applies
type Policy struct {
	MaxPasses        int
	MaxPassesPerTier map[core.Tier]int
	StopConfidence   float64 // "no more evidence will help" ceiling
	AcceptConfidence float64 // thresholds.action
}

// DefaultPolicy returns the standard limits
func DefaultPolicy() Policy {
	return Policy{
		MaxPasses: 5,
		MaxPassesPerTier: map[core.Tier]int{
			core.TierCheap: 3,
			core.TierMid:   1,
			core.TierTop:   1,
		},
		StopConfidence:   0.95,
		AcceptConfidence: core.DefaultThresholds().Action,
	}
}

func (p Policy) tierBudget(t core.Tier) int {
	if n, ok := p.MaxPassesPerTier[t]; ok && n > 0 {
		return n
	}
	return 1
}

// Evaluate decides what follows the latest pass in history. It is a pure
// function of its arguments.
//
// Rules, first match wins:
//  1. STOP once MaxPasses passes have run.
//  2. A zero-information pass escalates, or stops at the top tier.
//  3. Confidence at or above StopConfidence stops, unless a high-stakes event
//     still lacks a top-tier review.
//  4. An unchanged extraction set ends the tier: stop if accepted, otherwise
//     escalate (or stop at the top).
//  5. An exhausted tier budget: stop if accepted, otherwise escalate (or stop).
//  6. A high-stakes event below the top tier escalates.
//  7. Otherwise continue at the same tier with refreshed context.
//
// A high-stakes event is never stopped by rules 3-5 below the top tier.
func Evaluate(history []core.PassResult, highStakes bool, p Policy) Verdict {
	if len(history) == 0 {
		return Verdict{Decision: Continue, Reason: ReasonStart, Next: core.TierCheap}
	}

	st := core.StateOf(history, highStakes)
	latest := &history[len(history)-1]
	tier := latest.Tier

	if st.PassCount >= p.MaxPasses {
		return stop(ReasonMaxPasses, tier)
	}

	needTop := highStakes && !st.TopTierReviewed
	remaining := p.MaxPasses - st.PassCount

	escalateOrStop := func(r Reason) Verdict {
		next, ok := tier.Next()
		if !ok {
			return stop(r, tier)
		}
		// Jump straight to the top when the ceiling would otherwise
		// swallow the mandatory top-tier pass.
		if needTop && remaining <= 1 {
			next = core.TierTop
		}
		return Verdict{Decision: Escalate, Reason: r, Next: next}
	}

	if !latest.Usable() {
		return escalateOrStop(ReasonDegraded)
	}

	if latest.ActionConfidence >= p.StopConfidence {
		if needTop {
			return escalateOrStop(ReasonHighStakes)
		}
		return stop(ReasonConfident, tier)
	}

	accepted := latest.ActionConfidence >= p.AcceptConfidence

	if len(history) > 1 && latest.ChangedFrom(&history[len(history)-2]) == 0 {
		if accepted && !needTop {
			return stop(ReasonUnchanged, tier)
		}
		if needTop {
			return escalateOrStop(ReasonHighStakes)
		}
		return escalateOrStop(ReasonUnchanged)
	}

	if st.PassesAtTier >= p.tierBudget(tier) {
		if accepted && !needTop {
			return stop(ReasonTierBudget, tier)
		}
		if needTop {
			return escalateOrStop(ReasonHighStakes)
		}
		return escalateOrStop(ReasonTierBudget)
	}

	if needTop {
		return escalateOrStop(ReasonHighStakes)
	}

	return Verdict{Decision: Continue, Reason: ReasonNeedsEvidence, Next: tier}
}

func stop(r Reason, tier core.Tier) Verdict {
	return Verdict{Decision: Stop, Reason: r, Next: tier}
}
