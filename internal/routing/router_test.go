package routing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/ponder/internal/core"
)

func ext(typ core.ExtractionType, imp core.Importance, conf float64) core.Extraction {
	return core.Extraction{Type: typ, Importance: imp, Confidence: conf, NoteAction: core.NoteActionEnrich, Info: string(typ)}
}

func creation(conf float64) core.Extraction {
	return core.Extraction{Type: core.ExtractionFact, Importance: core.ImportanceHigh, Confidence: conf,
		NoteAction: core.NoteActionCreate, TargetNote: "Acme Corp", Info: "new client"}
}

func final(conf float64, xs ...core.Extraction) *core.PassResult {
	return &core.PassResult{EventID: "evt-1", PassNumber: 1, Tier: core.TierCheap, ActionConfidence: conf, Extractions: xs}
}

func TestRoute_HighConfidenceDeadlineAutoApplies(t *testing.T) {
	d := New().Route(final(0.97, ext(core.ExtractionDeadline, core.ImportanceHigh, 0.97)), core.DefaultThresholds())

	assert.Equal(t, core.VerdictAutoApply, d.Verdict)
	require.Len(t, d.Items, 1)
	assert.True(t, d.Items[0].Applied)
	assert.True(t, d.Items[0].Extraction.Required)
	assert.Empty(t, d.Reasons)
}

func TestRoute_LowActionConfidenceQueues(t *testing.T) {
	d := New().Route(final(0.78, ext(core.ExtractionDeadline, core.ImportanceHigh, 0.99)), core.DefaultThresholds())

	assert.Equal(t, core.VerdictQueue, d.Verdict)
	assert.Empty(t, d.Applied())
	require.NotEmpty(t, d.Reasons)
	assert.Contains(t, d.Reasons[0], "action confidence 0.78")
}

func TestRoute_RequiredBelowThresholdQueues(t *testing.T) {
	d := New().Route(final(0.93,
		ext(core.ExtractionDeadline, core.ImportanceLow, 0.85),
	), core.DefaultThresholds())

	assert.Equal(t, core.VerdictQueue, d.Verdict)
	assert.True(t, d.Items[0].Preselected)
	assert.True(t, d.Items[0].Locked)
	assert.False(t, d.Items[0].Applied)
}

func TestRoute_OptionalItemsDoNotBlock(t *testing.T) {
	d := New().Route(final(0.93,
		ext(core.ExtractionDeadline, core.ImportanceHigh, 0.95),
		ext(core.ExtractionRelation, core.ImportanceHigh, 0.75),
		ext(core.ExtractionQuote, core.ImportanceLow, 0.40),
	), core.DefaultThresholds())

	require.Equal(t, core.VerdictAutoApply, d.Verdict)
	got := []bool{d.Items[0].Applied, d.Items[1].Applied, d.Items[2].Applied}
	assert.Equal(t, []bool{true, true, false}, got)
}

func TestRoute_QueuePreselection(t *testing.T) {
	d := New().Route(final(0.50,
		ext(core.ExtractionDeadline, core.ImportanceHigh, 0.60),
		ext(core.ExtractionRelation, core.ImportanceHigh, 0.75),
		ext(core.ExtractionQuote, core.ImportanceLow, 0.40),
		creation(0.99),
	), core.DefaultThresholds())

	require.Equal(t, core.VerdictQueue, d.Verdict)

	type flags struct{ Pre, Locked, Applied, Deferred bool }
	var got []flags
	for _, it := range d.Items {
		got = append(got, flags{it.Preselected, it.Locked, it.Applied, it.Deferred})
	}
	want := []flags{
		{Pre: true, Locked: true},
		{Pre: true},
		{},
		{Deferred: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("item flags mismatch (-want +got):\n%s", diff)
	}
}

func TestRoute_CreationNeverAppliedAndDoesNotBlock(t *testing.T) {
	// A low-confidence required creation must not block auto-apply of the rest
	d := New().Route(final(0.96,
		ext(core.ExtractionDeadline, core.ImportanceHigh, 0.96),
		creation(0.10),
		creation(0.99),
	), core.DefaultThresholds())

	require.Equal(t, core.VerdictAutoApply, d.Verdict)
	assert.True(t, d.Items[0].Applied)
	for _, it := range d.Items[1:] {
		assert.False(t, it.Applied)
		assert.False(t, it.Preselected)
		assert.True(t, it.Deferred)
	}
	assert.Len(t, d.Deferred(), 2)
}

func TestRoute_ModelOverrideWinsOverMatrix(t *testing.T) {
	notRequired := false
	dl := ext(core.ExtractionDeadline, core.ImportanceHigh, 0.50)
	dl.RequiredOverride = &notRequired

	required := true
	rel := ext(core.ExtractionRelation, core.ImportanceLow, 0.80)
	rel.RequiredOverride = &required

	d := New().Route(final(0.95, dl, rel), core.DefaultThresholds())

	assert.False(t, d.Items[0].Extraction.Required)
	assert.True(t, d.Items[1].Extraction.Required)
	assert.Equal(t, core.VerdictQueue, d.Verdict, "overridden relation at 0.80 is below the required threshold")
}

func TestRoute_ForcingDegradationsQueue(t *testing.T) {
	for _, deg := range []core.Degradation{
		core.DegradedPassBudgetExhausted,
		core.DegradedHighStakesUnreviewed,
		core.DegradedCancelled,
		core.DegradedModelUnavailable,
		core.DegradedMalformedOutput,
	} {
		d := New().Route(final(0.99, ext(core.ExtractionDeadline, core.ImportanceHigh, 0.99)), core.DefaultThresholds(), deg)
		assert.Equal(t, core.VerdictQueue, d.Verdict, "%s", deg)
		assert.Contains(t, d.Reasons, "degraded: "+string(deg))
	}

	d := New().Route(final(0.99, ext(core.ExtractionDeadline, core.ImportanceHigh, 0.99)),
		core.DefaultThresholds(), core.DegradedContext, core.DegradedContext)
	assert.Equal(t, core.VerdictAutoApply, d.Verdict, "context degradation is informational")
	assert.Equal(t, []core.Degradation{core.DegradedContext}, d.Degradations)
}

func TestRoute_UnusableFinalQueues(t *testing.T) {
	p := final(0)
	p.Degraded = core.DegradedModelTimeout
	d := New().Route(p, core.DefaultThresholds())
	assert.Equal(t, core.VerdictQueue, d.Verdict)

	d = New().Route(nil, core.DefaultThresholds())
	assert.Equal(t, core.VerdictQueue, d.Verdict)
}

func TestRoute_Metadata(t *testing.T) {
	at := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	p := final(0.97)
	p.Tier = core.TierMid
	p.PassNumber = 3
	d := New(WithClock(func() time.Time { return at })).Route(p, core.DefaultThresholds())

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, core.EventID("evt-1"), d.EventID)
	assert.Equal(t, core.TierMid, d.Tier)
	assert.Equal(t, 3, d.Passes)
	assert.Equal(t, at, d.DecidedAt)
}

// TestRoute_SafetyInvariants checks the two unconditional invariants over
// random inputs: auto-apply implies every threshold held, and creations
// are never applied.
func TestRoute_SafetyInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	th := core.DefaultThresholds()
	types := core.ExtractionTypes
	imps := []core.Importance{core.ImportanceLow, core.ImportanceMedium, core.ImportanceHigh}
	r := New()

	for run := 0; run < 5000; run++ {
		var xs []core.Extraction
		for i := rng.Intn(6); i > 0; i-- {
			x := ext(types[rng.Intn(len(types))], imps[rng.Intn(len(imps))], rng.Float64())
			if rng.Intn(4) == 0 {
				x.NoteAction = core.NoteActionCreate
			}
			if rng.Intn(5) == 0 {
				b := rng.Intn(2) == 0
				x.RequiredOverride = &b
			}
			xs = append(xs, x)
		}
		d := r.Route(final(rng.Float64(), xs...), th)

		for _, it := range d.Items {
			if it.Extraction.IsCreation() {
				require.False(t, it.Applied, "run %d: creation applied", run)
				require.False(t, it.Preselected, "run %d: creation preselected", run)
			}
			if it.Applied {
				require.Equal(t, core.VerdictAutoApply, d.Verdict)
			}
		}

		if d.Verdict != core.VerdictAutoApply {
			continue
		}
		require.GreaterOrEqual(t, d.ActionConfidence, th.Action, "run %d", run)
		for _, it := range d.Items {
			if it.Extraction.Required && !it.Extraction.IsCreation() {
				require.GreaterOrEqual(t, it.Extraction.Confidence, th.RequiredEnrichment, "run %d", run)
				require.True(t, it.Applied, "run %d: required item not applied", run)
			}
		}
	}
}
