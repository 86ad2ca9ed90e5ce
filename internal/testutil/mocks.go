package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/llm"
)

// -----------------------------------------------------------------------------
// Model gateway
// -----------------------------------------------------------------------------

// Step is one scripted gateway reply. Err takes precedence over Text.
type Step struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Call records one gateway invocation
type Call struct {
	Tier   core.Tier
	Prompt core.Prompt
}

// ScriptedGateway replays steps in order; once the script is exhausted the
// last step repeats. InvokeFunc, when set, replaces the script.
type ScriptedGateway struct {
	InvokeFunc func(ctx context.Context, tier core.Tier, p core.Prompt) (*llm.Response, error)

	mu    sync.Mutex
	steps []Step
	next  int
	calls []Call
}

// NewScriptedGateway creates a gateway that answers with steps
func NewScriptedGateway(steps ...Step) *ScriptedGateway {
	return &ScriptedGateway{steps: steps}
}

// Replies is shorthand for a script of successful text replies
func Replies(texts ...string) *ScriptedGateway {
	steps := make([]Step, len(texts))
	for i, t := range texts {
		steps[i] = Step{Text: t}
	}
	return NewScriptedGateway(steps...)
}

// Invoke implements the analyzer's gateway
func (g *ScriptedGateway) Invoke(ctx context.Context, tier core.Tier, p core.Prompt) (*llm.Response, error) {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Tier: tier, Prompt: p})
	fn := g.InvokeFunc
	var step Step
	if fn == nil {
		if len(g.steps) == 0 {
			g.mu.Unlock()
			return nil, core.ErrModelUnavailable
		}
		i := g.next
		if i >= len(g.steps) {
			i = len(g.steps) - 1
		}
		step = g.steps[i]
		g.next++
	}
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, tier, p)
	}

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &llm.Response{
		Text:     step.Text,
		Model:    "scripted-" + tier.String(),
		Provider: "scripted",
		Tier:     tier,
		Attempts: 1,
		Usage:    core.Usage{InputTokens: len(p.User) / 4, OutputTokens: len(step.Text) / 4},
	}, nil
}

// Calls returns a copy of the recorded invocations
func (g *ScriptedGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// Tiers returns the tier of every recorded invocation
func (g *ScriptedGateway) Tiers() []core.Tier {
	calls := g.Calls()
	out := make([]core.Tier, len(calls))
	for i, c := range calls {
		out[i] = c.Tier
	}
	return out
}

// -----------------------------------------------------------------------------
// Context providers
// -----------------------------------------------------------------------------

// StaticProvider returns the same items for every search
type StaticProvider struct {
	SourceName string
	Items      []core.ContextItem

	calls    atomic.Int64
	mu       sync.Mutex
	entities [][]core.Entity
}

// Name implements contextsearch.Provider
func (p *StaticProvider) Name() string { return p.SourceName }

// Search implements contextsearch.Provider
func (p *StaticProvider) Search(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.entities = append(p.entities, append([]core.Entity(nil), entities...))
	p.mu.Unlock()
	return append([]core.ContextItem(nil), p.Items...), nil
}

// Calls returns how many searches ran
func (p *StaticProvider) Calls() int { return int(p.calls.Load()) }

// Entities returns the entities of every search, in call order
func (p *StaticProvider) Entities() [][]core.Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]core.Entity(nil), p.entities...)
}

// FailingProvider always fails
type FailingProvider struct {
	SourceName string
	Err        error
}

// Name implements contextsearch.Provider
func (p *FailingProvider) Name() string { return p.SourceName }

// Search implements contextsearch.Provider
func (p *FailingProvider) Search(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return nil, errors.New("source unavailable")
}

// SlowProvider waits Delay (or until ctx is done) before answering
type SlowProvider struct {
	SourceName string
	Delay      time.Duration
	Items      []core.ContextItem
}

// Name implements contextsearch.Provider
func (p *SlowProvider) Name() string { return p.SourceName }

// Search implements contextsearch.Provider
func (p *SlowProvider) Search(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error) {
	select {
	case <-time.After(p.Delay):
		return p.Items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FuncProvider adapts a function to a provider
type FuncProvider struct {
	SourceName string
	SearchFunc func(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error)
}

// Name implements contextsearch.Provider
func (p *FuncProvider) Name() string { return p.SourceName }

// Search implements contextsearch.Provider
func (p *FuncProvider) Search(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error) {
	return p.SearchFunc(ctx, entities)
}
