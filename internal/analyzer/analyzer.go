// Package analyzer runs the multi-pass analysis loop for one event: a blind
// cheap pass, then context-enriched passes that escalate through the model
// tiers until the convergence evaluator stops, followed by routing and
// orphan proposals.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/convergence"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/llm"
	"github.com/quantumlife/ponder/internal/logging"
	"github.com/quantumlife/ponder/internal/orphans"
	"github.com/quantumlife/ponder/internal/prompt"
	"github.com/quantumlife/ponder/internal/routing"
)

// ErrSuperseded is the cancellation cause recorded when Supersede stops a run
var ErrSuperseded = errors.New("analysis superseded")

// Gateway calls a reasoning model at a tier
type Gateway interface {
	Invoke(ctx context.Context, tier core.Tier, p core.Prompt) (*llm.Response, error)
}

// Renderer builds the prompt for one pass
type Renderer interface {
	Render(in prompt.Input) core.Prompt
}

// Searcher builds context bundles
type Searcher interface {
	Search(ctx context.Context, entities []core.Entity, sourceFilter []string) *core.ContextBundle
}

// Proposer receives creation candidates
type Proposer interface {
	Propose(ctx context.Context, c orphans.Candidate) (*orphans.Result, error)
}

// Observer is notified as an analysis progresses. Calls are synchronous and
// made from the analysis goroutine.
type Observer interface {
	PassCompleted(ctx context.Context, ev *core.PerceivedEvent, p *core.PassResult)
	AnalysisFinished(ctx context.Context, ev *core.PerceivedEvent, a *core.Analysis)
}

// Policy holds the values that may change while the analyzer runs
type Policy struct {
	Thresholds core.Thresholds
	HighStakes HighStakes
}

// Limits bound the loop; they are fixed for the analyzer's lifetime
type Limits struct {
	MaxPasses        int
	MaxPassesPerTier map[core.Tier]int
	StopConfidence   float64
}

// DefaultLimits returns the standard pass limits
func DefaultLimits() Limits {
	p := convergence.DefaultPolicy()
	return Limits{
		MaxPasses:        p.MaxPasses,
		MaxPassesPerTier: p.MaxPassesPerTier,
		StopConfidence:   p.StopConfidence,
	}
}

// Deps are the analyzer's collaborators. Gateway is required; a nil
// Renderer uses the default renderer, a nil Searcher runs every pass
// without context, and a nil Proposer drops creation candidates.
type Deps struct {
	Gateway   Gateway
	Renderer  Renderer
	Searcher  Searcher
	Router    *routing.Router
	Proposer  Proposer
	Observers []Observer
}

type running struct {
	cancel context.CancelCauseFunc
}

// Analyzer runs analyses. It is safe for concurrent use; each Analyze call
// owns its pass history and context.
type Analyzer struct {
	deps   Deps
	limits Limits
	policy atomic.Pointer[Policy]
	now    func() time.Time

	mu      sync.Mutex
	running map[core.EventID]*running
}

// New creates an analyzer
func New(deps Deps, limits Limits, policy Policy) (*Analyzer, error) {
	if deps.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway", core.ErrMissingRequired)
	}
	if deps.Renderer == nil {
		deps.Renderer = prompt.NewRenderer()
	}
	if deps.Router == nil {
		deps.Router = routing.New()
	}
	if limits.MaxPasses <= 0 {
		return nil, fmt.Errorf("%w: max passes must be positive", core.ErrInvalidConfig)
	}
	a := &Analyzer{
		deps:    deps,
		limits:  limits,
		now:     time.Now,
		running: make(map[core.EventID]*running),
	}
	a.SetPolicy(policy)
	return a, nil
}

// SetPolicy swaps thresholds and high-stakes predicates. Analyses already
// running keep the policy they started with.
func (a *Analyzer) SetPolicy(p Policy) {
	p.HighStakes.VIPSenders = append([]string(nil), p.HighStakes.VIPSenders...)
	a.policy.Store(&p)
	logging.Info("analysis policy updated: action=%.2f required=%.2f optional=%.2f",
		p.Thresholds.Action, p.Thresholds.RequiredEnrichment, p.Thresholds.OptionalEnrichment)
}

// Policy returns the current policy
func (a *Analyzer) Policy() Policy {
	return *a.policy.Load()
}

// AddObserver registers an observer. It must be called before analyses run.
func (a *Analyzer) AddObserver(o Observer) {
	a.deps.Observers = append(a.deps.Observers, o)
}

// Supersede asks the running analysis of id to stop at its next pass
// boundary. It reports whether an analysis was running.
func (a *Analyzer) Supersede(id core.EventID) bool {
	a.mu.Lock()
	r, ok := a.running[id]
	a.mu.Unlock()
	if ok {
		r.cancel(ErrSuperseded)
		logging.WithField("event_id", string(id)).Info("analysis superseded")
	}
	return ok
}

// Running returns the ids of analyses in progress, sorted
func (a *Analyzer) Running() []core.EventID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.EventID, 0, len(a.running))
	for id := range a.running {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// register makes this run the current one for ev, superseding any earlier run
func (a *Analyzer) register(id core.EventID, cancel context.CancelCauseFunc) func() {
	r := &running{cancel: cancel}
	a.mu.Lock()
	if prev, ok := a.running[id]; ok {
		prev.cancel(ErrSuperseded)
	}
	a.running[id] = r
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		if a.running[id] == r {
			delete(a.running, id)
		}
		a.mu.Unlock()
	}
}

// Analyze runs the loop for ev. Model and context failures never surface as
// errors: they are recorded as degradations and route the event to QUEUE.
// An error is returned only for an invalid event.
func (a *Analyzer) Analyze(ctx context.Context, ev *core.PerceivedEvent) (*core.Analysis, error) {
	if ev == nil || ev.ID == "" {
		return nil, fmt.Errorf("%w: event with an id is required", core.ErrInvalidInput)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer a.register(ev.ID, cancel)()

	pol := a.Policy()
	conv := convergence.Policy{
		MaxPasses:        a.limits.MaxPasses,
		MaxPassesPerTier: a.limits.MaxPassesPerTier,
		StopConfidence:   a.limits.StopConfidence,
		AcceptConfidence: pol.Thresholds.Action,
	}

	log := logging.L().With(zap.String("event_id", string(ev.ID)))
	an := &core.Analysis{EventID: ev.ID, StartedAt: a.now().UTC()}

	highStakes, reasons := pol.HighStakes.Check(ev, nil)
	if highStakes {
		log.Info("high-stakes event", zap.Strings("reasons", reasons))
	}

	machine := convergence.NewMachine()
	bundle := core.EmptyBundle()
	var (
		history     []core.PassResult
		entitiesKey string
		verdict     convergence.Verdict
		cancelled   bool
		contextLost bool
	)

	for !machine.Done() {
		// Cooperative cancellation: checked only between passes
		if runCtx.Err() != nil {
			cancelled = true
			machine.Terminate()
			log.Info("analysis cancelled", zap.Int("passes", len(history)), zap.Error(context.Cause(runCtx)))
			break
		}

		n := len(history) + 1
		tier := machine.Tier()

		if n > 1 && a.deps.Searcher != nil {
			entities := contextsearch.DeriveEntities(ev, history)
			if key := entityKey(entities); key != entitiesKey {
				entitiesKey = key
				bundle = a.deps.Searcher.Search(runCtx, entities, nil)
				if len(bundle.Excluded) > 0 {
					contextLost = true
				}
			}
			if runCtx.Err() != nil {
				continue
			}
		}

		p := a.runPass(runCtx, ev, n, tier, bundle, history)
		history = append(history, p)
		for _, o := range a.deps.Observers {
			o.PassCompleted(ctx, ev, &history[len(history)-1])
		}

		if !highStakes {
			if hs, rs := pol.HighStakes.Check(ev, history); hs {
				highStakes = true
				log.Info("event became high stakes", zap.Int("pass", n), zap.Strings("reasons", rs))
			}
		}

		verdict = convergence.Evaluate(history, highStakes, conv)
		log.Info("pass evaluated",
			zap.Int("pass", n),
			zap.String("tier", tier.String()),
			zap.Float64("confidence", p.ActionConfidence),
			zap.Int("extractions", len(p.Extractions)),
			zap.Int("changed", p.ChangedCount),
			zap.String("degraded", string(p.Degraded)),
			zap.String("decision", verdict.Decision.String()),
			zap.String("reason", string(verdict.Reason)))

		if err := machine.Apply(verdict); err != nil {
			log.Error("illegal transition, finalizing", zap.Error(err))
			machine.Terminate()
		}
	}

	an.History = history
	an.EscalationPath = machine.Path()
	an.HighStakes = highStakes
	an.Final = bestAvailable(ev.ID, history)
	an.Degradations = a.degradations(history, an.Final, pol, conv, highStakes, cancelled, contextLost)

	an.Decision = a.deps.Router.Route(&an.Final, pol.Thresholds, an.Degradations...)
	an.Decision.EventID = ev.ID
	if len(history) > 0 {
		an.Decision.Tier = history[len(history)-1].Tier
		an.Decision.Passes = len(history)
	}

	if !cancelled {
		an.Orphans = a.propose(ctx, ev, an.Decision)
	}
	an.FinishedAt = a.now().UTC()

	log.Info("analysis finalized",
		zap.String("verdict", string(an.Decision.Verdict)),
		zap.Int("passes", len(history)),
		zap.String("final_tier", an.Decision.Tier.String()),
		zap.Float64("confidence", an.Final.ActionConfidence),
		zap.Strings("reasons", an.Decision.Reasons),
		zap.Int("orphans", len(an.Orphans)))

	for _, o := range a.deps.Observers {
		o.AnalysisFinished(ctx, ev, an)
	}
	return an, nil
}

// runPass performs one model call. The call itself is never interrupted by
// cancellation; only the gateway's own timeout bounds it.
func (a *Analyzer) runPass(ctx context.Context, ev *core.PerceivedEvent, n int, tier core.Tier, bundle *core.ContextBundle, history []core.PassResult) core.PassResult {
	start := a.now()
	p := core.PassResult{
		EventID:      ev.ID,
		PassNumber:   n,
		Tier:         tier,
		ContextItems: bundle.Len(),
		StartedAt:    start.UTC(),
	}
	done := func() core.PassResult {
		p.Duration = a.now().Sub(start)
		return finish(p, history)
	}

	in := prompt.Input{PassNumber: n, Tier: tier, Event: ev, Previous: lastUsable(history)}
	if n > 1 {
		in.Context = bundle
	}
	pr := a.deps.Renderer.Render(in)

	resp, err := a.deps.Gateway.Invoke(context.WithoutCancel(ctx), tier, pr)
	if err != nil {
		p.Degraded = core.DegradationFor(err)
		logging.L().Warn("model call failed, zero-information pass",
			zap.String("event_id", string(ev.ID)),
			zap.Int("pass", n),
			zap.String("tier", tier.String()),
			zap.Error(err))
		return done()
	}
	p.Model = resp.Model
	p.Usage = resp.Usage

	out, err := parseResponse(resp.Text)
	if err != nil {
		p.Degraded = core.DegradedMalformedOutput
		logging.L().Warn("malformed model output, zero-information pass",
			zap.String("event_id", string(ev.ID)),
			zap.Int("pass", n),
			zap.Error(err))
		return done()
	}

	p.Action = out.Action
	p.ActionConfidence = out.Confidence
	p.Rationale = out.Rationale
	p.Extractions = out.Extractions
	return done()
}

func finish(p core.PassResult, history []core.PassResult) core.PassResult {
	var prev *core.PassResult
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}
	p.ChangedCount = p.ChangedFrom(prev)
	return p
}

// degradations lists the annotations that explain a non-automatic outcome
func (a *Analyzer) degradations(history []core.PassResult, final core.PassResult, pol Policy, conv convergence.Policy, highStakes, cancelled, contextLost bool) []core.Degradation {
	var out []core.Degradation
	if cancelled {
		out = append(out, core.DegradedCancelled)
	}
	if n := len(history); n > 0 && !history[n-1].Usable() {
		// The loop ended on a zero-information pass (at the top tier or the ceiling)
		out = append(out, history[n-1].Degraded)
	}
	if len(history) >= conv.MaxPasses && final.ActionConfidence < pol.Thresholds.Action {
		out = append(out, core.DegradedPassBudgetExhausted)
	}
	if highStakes && !core.StateOf(history, true).TopTierReviewed {
		out = append(out, core.DegradedHighStakesUnreviewed)
	}
	if contextLost {
		out = append(out, core.DegradedContext)
	}
	return out
}

func (a *Analyzer) propose(ctx context.Context, ev *core.PerceivedEvent, d *core.RoutingDecision) []*core.OrphanQuestion {
	deferred := d.Deferred()
	if len(deferred) == 0 || a.deps.Proposer == nil {
		return nil
	}
	var out []*core.OrphanQuestion
	for _, x := range deferred {
		res, err := a.deps.Proposer.Propose(ctx, orphans.CandidateFrom(ev, x))
		if err != nil {
			logging.L().Warn("orphan proposal failed",
				zap.String("event_id", string(ev.ID)),
				zap.String("candidate", x.TargetNote),
				zap.Error(err))
		}
		if res != nil {
			out = append(out, res.Question)
		}
	}
	return out
}

// bestAvailable is the most recent usable pass, else the last pass
func bestAvailable(id core.EventID, history []core.PassResult) core.PassResult {
	if p := lastUsable(history); p != nil {
		return *p
	}
	if n := len(history); n > 0 {
		return history[n-1]
	}
	return core.PassResult{EventID: id, Degraded: core.DegradedCancelled}
}

func lastUsable(history []core.PassResult) *core.PassResult {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Usable() {
			return &history[i]
		}
	}
	return nil
}

func entityKey(entities []core.Entity) string {
	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = e.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, ";")
}
