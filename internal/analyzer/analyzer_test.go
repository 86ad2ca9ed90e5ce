package analyzer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/llm"
	"github.com/quantumlife/ponder/internal/orphans"
	"github.com/quantumlife/ponder/internal/testutil"
)

func testPolicy() Policy {
	return Policy{
		Thresholds: core.DefaultThresholds(),
		HighStakes: HighStakes{AmountCeiling: 10000, DeadlineWindow: 48 * time.Hour},
	}
}

func newAnalyzer(t *testing.T, deps Deps) *Analyzer {
	t.Helper()
	a, err := New(deps, DefaultLimits(), testPolicy())
	require.NoError(t, err)
	return a
}

type recorder struct {
	mu       sync.Mutex
	passes   []core.PassResult
	finished []*core.Analysis
}

func (r *recorder) PassCompleted(_ context.Context, _ *core.PerceivedEvent, p *core.PassResult) {
	r.mu.Lock()
	r.passes = append(r.passes, *p)
	r.mu.Unlock()
}

func (r *recorder) AnalysisFinished(_ context.Context, _ *core.PerceivedEvent, a *core.Analysis) {
	r.mu.Lock()
	r.finished = append(r.finished, a)
	r.mu.Unlock()
}

func tiersOf(history []core.PassResult) []core.Tier {
	out := make([]core.Tier, len(history))
	for i, p := range history {
		out[i] = p.Tier
	}
	return out
}

var (
	cheap = core.TierCheap
	mid   = core.TierMid
	top   = core.TierTop
)

// A confident deadline stops on the blind pass and auto-applies.
func TestAnalyze_ConfidentBlindPassAutoApplies(t *testing.T) {
	gw := testutil.Replies(testutil.Reply(0.97, testutil.Enrich("deadline", "report due friday", "Q3 Report", "high", 0.97)))
	notes := &testutil.StaticProvider{SourceName: "notes"}
	a := newAnalyzer(t, Deps{Gateway: gw, Searcher: contextsearch.New(contextsearch.DefaultConfig(), notes)})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)

	assert.Equal(t, []core.Tier{cheap}, tiersOf(an.History))
	assert.Equal(t, []core.Tier{cheap}, an.EscalationPath)
	assert.Equal(t, core.VerdictAutoApply, an.Decision.Verdict)
	assert.Len(t, an.Decision.Applied(), 1)
	assert.Equal(t, 0, notes.Calls(), "the blind pass retrieves no context")
	assert.Contains(t, gw.Calls()[0].Prompt.User, "No supporting context")
}

// A vague request gets context, produces nothing new on the second pass,
// moves to mid and is accepted there.
func TestAnalyze_AmbiguousRequestEscalatesToMid(t *testing.T) {
	slides := testutil.Enrich("request", "send the slides", "Board Deck", "high", 0.95)
	gw := testutil.Replies(
		testutil.Reply(0.65, slides),
		testutil.Reply(0.83, slides),
		testutil.Reply(0.93, slides),
	)
	notes := &testutil.StaticProvider{SourceName: "notes", Items: []core.ContextItem{{
		TargetID: "note-1", Title: "Board Deck", Snippet: "deck for the october board meeting",
		MatchedEntity: core.Entity{Kind: core.EntityProject, Value: "Board Deck"}, Match: core.MatchExact, Relevance: 1,
	}}}
	a := newAnalyzer(t, Deps{Gateway: gw, Searcher: contextsearch.New(contextsearch.DefaultConfig(), notes)})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)

	assert.Equal(t, []core.Tier{cheap, cheap, mid}, tiersOf(an.History))
	assert.Equal(t, []core.Tier{cheap, mid}, an.EscalationPath)
	assert.Equal(t, core.VerdictAutoApply, an.Decision.Verdict)
	assert.Equal(t, 0.93, an.Final.ActionConfidence)

	// Context was searched by extracted entities once; pass 3 reused it
	require.Equal(t, 1, notes.Calls())
	assert.Contains(t, notes.Entities()[0], core.Entity{Kind: core.EntityProject, Value: "Board Deck"})
	assert.Contains(t, gw.Calls()[1].Prompt.User, "deck for the october board meeting")
	assert.Equal(t, 1, an.History[1].ContextItems)

	// the stalled second pass is what triggers the escalation
	assert.Equal(t, []int{1, 0, 0}, changedCounts(an.History))
}

func changedCounts(history []core.PassResult) []int {
	out := make([]int, len(history))
	for i, p := range history {
		out[i] = p.ChangedCount
	}
	return out
}

func TestAnalyze_ChangedCountTracksExtractionSet(t *testing.T) {
	deadline := testutil.Enrich("deadline", "report due friday", "Q3 Report", "high", 0.80)
	amount := testutil.Enrich("amount", "invoice total", "Q3 Report", "medium", 0.80)
	amount.Amount = 1200
	gw := testutil.Replies(
		testutil.Reply(0.60, deadline),
		testutil.Reply(0.70, deadline, amount),
		testutil.Reply(0.72, amount),
		testutil.Reply(0.93, amount),
	)
	a := newAnalyzer(t, Deps{Gateway: gw})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(an.History), 3)
	assert.Equal(t, []int{1, 1, 1}, changedCounts(an.History[:3]))
	for i, p := range an.History {
		var prev *core.PassResult
		if i > 0 {
			prev = &an.History[i-1]
		}
		assert.Equal(t, p.ChangedFrom(prev), p.ChangedCount, "pass %d", p.PassNumber)
	}
}

// An amount above the ceiling needs a top-tier pass even once mid is
// confident enough.
func TestAnalyze_HighStakesForcesTopTier(t *testing.T) {
	wire := testutil.Enrich("amount", "wire 50k to vendor", "Vendor", "high", 0.95)
	wire.Amount = 50000
	gw := testutil.Replies(
		testutil.Reply(0.80, wire),
		testutil.Reply(0.92, wire),
		testutil.Reply(0.94, wire),
	)
	a := newAnalyzer(t, Deps{Gateway: gw})

	an, err := a.Analyze(context.Background(), testutil.AmountEventFixture(50000))
	require.NoError(t, err)

	assert.True(t, an.HighStakes)
	assert.Equal(t, []core.Tier{cheap, mid, top}, tiersOf(an.History))
	assert.Equal(t, core.VerdictAutoApply, an.Decision.Verdict)
	assert.NotContains(t, an.Degradations, core.DegradedHighStakesUnreviewed)
}

func TestAnalyze_HighStakesOverridesConfidenceCeiling(t *testing.T) {
	wire := testutil.Enrich("amount", "wire 50k", "Vendor", "high", 0.99)
	wire.Amount = 50000
	gw := testutil.Replies(testutil.Reply(0.99, wire))
	a := newAnalyzer(t, Deps{Gateway: gw})

	// The amount is only known from the blind pass's extraction
	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)

	assert.True(t, an.HighStakes)
	assert.Equal(t, top, an.History[len(an.History)-1].Tier)
}

func TestAnalyze_HighStakesWithoutTopReviewQueues(t *testing.T) {
	wire := testutil.Enrich("amount", "wire 50k", "Vendor", "high", 0.99)
	wire.Amount = 50000
	gw := testutil.NewScriptedGateway()
	gw.InvokeFunc = func(ctx context.Context, tier core.Tier, p core.Prompt) (*llm.Response, error) {
		if tier == core.TierTop {
			return nil, fmt.Errorf("%w: overloaded", core.ErrModelUnavailable)
		}
		return &llm.Response{Text: testutil.Reply(0.99, wire), Tier: tier}, nil
	}
	a := newAnalyzer(t, Deps{Gateway: gw})

	an, err := a.Analyze(context.Background(), testutil.AmountEventFixture(50000))
	require.NoError(t, err)

	assert.Equal(t, core.VerdictQueue, an.Decision.Verdict)
	assert.Contains(t, an.Degradations, core.DegradedHighStakesUnreviewed)
	assert.Contains(t, an.Degradations, core.DegradedModelUnavailable)
	assert.Equal(t, mid, an.Final.Tier, "best available is the last usable pass")
}

// Running out of passes below the action threshold always queues.
func TestAnalyze_PassBudgetExhaustedQueues(t *testing.T) {
	fact := func(info string) testutil.ModelExtraction { return testutil.Enrich("fact", info, "Apollo", "low", 0.99) }
	gw := testutil.Replies(
		testutil.Reply(0.70, fact("a")),
		testutil.Reply(0.75, fact("b")),
		testutil.Reply(0.78, fact("c")),
		testutil.Reply(0.78, fact("d")),
		testutil.Reply(0.78, fact("e")),
	)
	a := newAnalyzer(t, Deps{Gateway: gw})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)

	assert.Len(t, an.History, 5)
	assert.Equal(t, []core.Tier{cheap, cheap, cheap, mid, top}, tiersOf(an.History))
	assert.Equal(t, core.VerdictQueue, an.Decision.Verdict)
	assert.Contains(t, an.Degradations, core.DegradedPassBudgetExhausted)
	assert.Empty(t, an.Decision.Applied())
}

// Two events proposing the same new entity at once share one question.
func TestAnalyze_ConcurrentCreationCandidatesMerge(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := testutil.Replies(testutil.Reply(0.97,
		testutil.Enrich("deadline", "contract due", "Contracts", "high", 0.97),
		testutil.Create("fact", "new client signed", "Acme Corp", "organization", 0.9),
	))
	mgr, err := orphans.NewManager(orphans.Config{Policy: orphans.RejectPermanent})
	require.NoError(t, err)
	a := newAnalyzer(t, Deps{Gateway: gw, Proposer: mgr})

	events := []*core.PerceivedEvent{
		testutil.ProjectEventFixture("apollo", "a@x.com"),
		testutil.ProjectEventFixture("zeus", "b@y.com"),
	}
	results, err := NewRunner(a, 2).AnalyzeAll(context.Background(), events)
	require.NoError(t, err)

	for _, an := range results {
		assert.Equal(t, core.VerdictAutoApply, an.Decision.Verdict)
		require.Len(t, an.Decision.Deferred(), 1)
		for _, it := range an.Decision.Items {
			if it.Extraction.IsCreation() {
				assert.False(t, it.Applied)
			}
		}
		require.Len(t, an.Orphans, 1)
	}

	qs := mgr.List("")
	require.Len(t, qs, 1)
	assert.Equal(t, "Acme Corp", qs[0].Name)
	assert.Len(t, qs[0].Evidence, 2)
}

func TestAnalyze_GatewayFailureEveryTier(t *testing.T) {
	gw := testutil.NewScriptedGateway(testutil.Step{Err: fmt.Errorf("%w: connection refused", core.ErrModelUnavailable)})
	a := newAnalyzer(t, Deps{Gateway: gw})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err, "model failures never surface as errors")

	assert.Equal(t, []core.Tier{cheap, mid, top}, tiersOf(an.History))
	for _, p := range an.History {
		assert.Equal(t, core.DegradedModelUnavailable, p.Degraded)
		assert.Empty(t, p.Extractions)
		assert.Zero(t, p.ActionConfidence)
	}
	assert.Equal(t, core.VerdictQueue, an.Decision.Verdict)
	assert.Contains(t, an.Decision.Degradations, core.DegradedModelUnavailable)
}

func TestAnalyze_MalformedOutputEscalatesThenRecovers(t *testing.T) {
	gw := testutil.NewScriptedGateway(
		testutil.Step{Text: "Sorry, I can't produce JSON today."},
		testutil.Step{Text: testutil.Reply(0.97, testutil.Enrich("deadline", "due friday", "Q3 Report", "high", 0.97))},
	)
	a := newAnalyzer(t, Deps{Gateway: gw})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)

	require.Len(t, an.History, 2)
	assert.Equal(t, core.DegradedMalformedOutput, an.History[0].Degraded)
	assert.Equal(t, mid, an.History[1].Tier)
	assert.Equal(t, core.VerdictAutoApply, an.Decision.Verdict)
}

func TestAnalyze_ModelTimeoutIsTagged(t *testing.T) {
	gw := testutil.NewScriptedGateway(testutil.Step{Err: fmt.Errorf("%w: deadline", core.ErrModelTimeout)})
	a := newAnalyzer(t, Deps{Gateway: gw})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)
	assert.Contains(t, an.Decision.Degradations, core.DegradedModelTimeout)
}

func TestAnalyze_SupersedeStopsAtNextPassBoundary(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var callCtxErr error
	gw := testutil.NewScriptedGateway()
	gw.InvokeFunc = func(ctx context.Context, tier core.Tier, p core.Prompt) (*llm.Response, error) {
		close(started)
		<-release
		callCtxErr = ctx.Err()
		return &llm.Response{Text: testutil.Reply(0.5, testutil.Enrich("request", "call back", "Dana", "high", 0.5)), Tier: tier}, nil
	}
	a := newAnalyzer(t, Deps{Gateway: gw})
	ev := testutil.EventFixture()

	type out struct {
		an  *core.Analysis
		err error
	}
	done := make(chan out, 1)
	go func() {
		an, err := a.Analyze(context.Background(), ev)
		done <- out{an, err}
	}()

	<-started
	assert.Equal(t, []core.EventID{ev.ID}, a.Running())
	assert.True(t, a.Supersede(ev.ID))
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.NoError(t, callCtxErr, "the in-flight model call is not interrupted")
	assert.Len(t, res.an.History, 1)
	assert.Contains(t, res.an.Degradations, core.DegradedCancelled)
	assert.Equal(t, core.VerdictQueue, res.an.Decision.Verdict)
	assert.Empty(t, a.Running())
	assert.False(t, a.Supersede(ev.ID))
}

func TestAnalyze_CancelledBeforeFirstPass(t *testing.T) {
	gw := testutil.Replies(testutil.Reply(0.97))
	a := newAnalyzer(t, Deps{Gateway: gw})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	an, err := a.Analyze(ctx, testutil.EventFixture())
	require.NoError(t, err)
	assert.Empty(t, an.History)
	assert.Empty(t, gw.Calls())
	assert.Equal(t, core.VerdictQueue, an.Decision.Verdict)
}

func TestAnalyze_ContextSourceFailureIsInformational(t *testing.T) {
	req := testutil.Enrich("request", "send slides", "Board Deck", "high", 0.95)
	gw := testutil.Replies(testutil.Reply(0.65, req), testutil.Reply(0.96, req))
	s := contextsearch.New(contextsearch.DefaultConfig(), &testutil.FailingProvider{SourceName: "gmail"})
	a := newAnalyzer(t, Deps{Gateway: gw, Searcher: s})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)

	assert.Contains(t, an.Degradations, core.DegradedContext)
	assert.Equal(t, core.VerdictAutoApply, an.Decision.Verdict)
	assert.Contains(t, gw.Calls()[1].Prompt.User, "gmail")
}

func TestAnalyze_PolicyHotSwap(t *testing.T) {
	gw := testutil.Replies(testutil.Reply(0.97, testutil.Enrich("deadline", "due friday", "Q3 Report", "high", 0.97)))
	a := newAnalyzer(t, Deps{Gateway: gw})

	p := testPolicy()
	p.Thresholds.Action = 0.99
	a.SetPolicy(p)
	assert.Equal(t, 0.99, a.Policy().Thresholds.Action)

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)
	assert.Equal(t, core.VerdictQueue, an.Decision.Verdict)
}

func TestAnalyze_Observers(t *testing.T) {
	rec := &recorder{}
	gw := testutil.Replies(
		testutil.Reply(0.65, testutil.Enrich("request", "a", "X", "high", 0.9)),
		testutil.Reply(0.97, testutil.Enrich("request", "b", "X", "high", 0.97)),
	)
	a := newAnalyzer(t, Deps{Gateway: gw, Observers: []Observer{rec}})

	an, err := a.Analyze(context.Background(), testutil.EventFixture())
	require.NoError(t, err)

	assert.Len(t, rec.passes, 2)
	require.Len(t, rec.finished, 1)
	assert.Same(t, an, rec.finished[0])
}

func TestAnalyze_InvalidEvent(t *testing.T) {
	a := newAnalyzer(t, Deps{Gateway: testutil.Replies()})
	_, err := a.Analyze(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, err = a.Analyze(context.Background(), &core.PerceivedEvent{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestNew_RequiresGateway(t *testing.T) {
	_, err := New(Deps{}, DefaultLimits(), testPolicy())
	assert.ErrorIs(t, err, core.ErrMissingRequired)
}

// TestAnalyze_Invariants drives the loop with random model replies and
// checks the bound, tier monotonicity, the safety rule and that creations
// are never applied.
func TestAnalyze_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var mu sync.Mutex
	types := []string{"deadline", "decision", "relation", "fact", "amount", "request", "quote"}
	imps := []string{"low", "medium", "high"}

	gw := testutil.NewScriptedGateway()
	gw.InvokeFunc = func(ctx context.Context, tier core.Tier, p core.Prompt) (*llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if rng.Intn(10) == 0 {
			return nil, core.ErrModelUnavailable
		}
		var xs []testutil.ModelExtraction
		for i := rng.Intn(4); i > 0; i-- {
			x := testutil.Enrich(types[rng.Intn(len(types))], fmt.Sprint(rng.Intn(3)), "T", imps[rng.Intn(3)], rng.Float64())
			if rng.Intn(3) == 0 {
				x.NoteAction = string(core.NoteActionCreate)
			}
			if x.Type == "amount" {
				x.Amount = float64(rng.Intn(20000))
			}
			xs = append(xs, x)
		}
		return &llm.Response{Text: testutil.Reply(rng.Float64(), xs...), Tier: tier}, nil
	}
	a := newAnalyzer(t, Deps{Gateway: gw})
	th := testPolicy().Thresholds

	for run := 0; run < 500; run++ {
		an, err := a.Analyze(context.Background(), testutil.EventFixture())
		require.NoError(t, err)

		require.LessOrEqual(t, len(an.History), DefaultLimits().MaxPasses, "run %d", run)
		for i := 1; i < len(an.History); i++ {
			require.GreaterOrEqual(t, an.History[i].Tier, an.History[i-1].Tier, "run %d", run)
		}

		d := an.Decision
		for _, it := range d.Items {
			if it.Extraction.IsCreation() {
				require.False(t, it.Applied, "run %d", run)
			}
		}
		if d.Verdict == core.VerdictAutoApply {
			require.GreaterOrEqual(t, an.Final.ActionConfidence, th.Action, "run %d", run)
			for _, it := range d.Items {
				if it.Extraction.Required && !it.Extraction.IsCreation() {
					require.GreaterOrEqual(t, it.Extraction.Confidence, th.RequiredEnrichment, "run %d", run)
				}
			}
			if an.HighStakes {
				require.True(t, core.StateOf(an.History, true).TopTierReviewed, "run %d", run)
			}
		}
	}
}
