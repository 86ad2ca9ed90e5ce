package analyzer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/llm"
	"github.com/quantumlife/ponder/internal/testutil"
)

// peakGateway answers every call confidently and records the highest
// number of calls in flight at once.
func peakGateway(delay time.Duration) (*testutil.ScriptedGateway, *int32) {
	var inFlight, peak int32
	gw := testutil.NewScriptedGateway()
	gw.InvokeFunc = func(ctx context.Context, tier core.Tier, p core.Prompt) (*llm.Response, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(delay)
		return &llm.Response{Text: testutil.Reply(0.97), Tier: tier}, nil
	}
	return gw, &peak
}

func TestRunner_LimitFloor(t *testing.T) {
	a := newAnalyzer(t, Deps{Gateway: testutil.Replies(testutil.Reply(0.97))})
	assert.Equal(t, 1, NewRunner(a, 0).Limit())
	assert.Equal(t, 4, NewRunner(a, 4).Limit())
}

func TestRunner_AnalyzeAllRespectsLimitAndOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw, peak := peakGateway(10 * time.Millisecond)
	r := NewRunner(newAnalyzer(t, Deps{Gateway: gw}), 3)

	events := make([]*core.PerceivedEvent, 10)
	for i := range events {
		events[i] = testutil.EventFixture()
	}
	out, err := r.AnalyzeAll(context.Background(), events)
	require.NoError(t, err)

	require.Len(t, out, len(events))
	for i, an := range out {
		assert.Equal(t, events[i].ID, an.EventID)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(peak), int32(3))
	assert.Len(t, gw.Calls(), len(events))
}

func TestRunner_AnalyzeAllRejectsInvalidEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(newAnalyzer(t, Deps{Gateway: testutil.Replies(testutil.Reply(0.97))}), 2)
	_, err := r.AnalyzeAll(context.Background(), []*core.PerceivedEvent{testutil.EventFixture(), {}})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestRunner_LimitSharedBySubmitAndAnalyzeAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw, peak := peakGateway(10 * time.Millisecond)
	r := NewRunner(newAnalyzer(t, Deps{Gateway: gw}), 2)

	for i := 0; i < 2; i++ {
		require.NoError(t, r.Submit(context.Background(), testutil.EventFixture(), nil))
	}
	events := make([]*core.PerceivedEvent, 4)
	for i := range events {
		events[i] = testutil.EventFixture()
	}
	out, err := r.AnalyzeAll(context.Background(), events)
	require.NoError(t, err)
	r.Wait()

	assert.Len(t, out, len(events))
	assert.LessOrEqual(t, atomic.LoadInt32(peak), int32(2))
	assert.Len(t, gw.Calls(), 6)
}

func TestRunner_SubmitAndWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw, peak := peakGateway(5 * time.Millisecond)
	r := NewRunner(newAnalyzer(t, Deps{Gateway: gw}), 2)

	var (
		mu   sync.Mutex
		done []core.EventID
	)
	for i := 0; i < 6; i++ {
		ev := testutil.EventFixture()
		err := r.Submit(context.Background(), ev, func(an *core.Analysis, err error) {
			assert.NoError(t, err)
			mu.Lock()
			done = append(done, an.EventID)
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	r.Wait()

	assert.Len(t, done, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(peak), int32(2))
}

func TestRunner_SubmitOutlivesCaller(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw, _ := peakGateway(20 * time.Millisecond)
	r := NewRunner(newAnalyzer(t, Deps{Gateway: gw}), 1)

	ctx, cancel := context.WithCancel(context.Background())
	var got *core.Analysis
	require.NoError(t, r.Submit(ctx, testutil.EventFixture(), func(an *core.Analysis, _ error) { got = an }))
	cancel()
	r.Wait()

	require.NotNil(t, got)
	assert.NotContains(t, got.Degradations, core.DegradedCancelled)
}

func TestRunner_SubmitWaitsForSlot(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw, _ := peakGateway(50 * time.Millisecond)
	r := NewRunner(newAnalyzer(t, Deps{Gateway: gw}), 1)
	require.NoError(t, r.Submit(context.Background(), testutil.EventFixture(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := r.Submit(ctx, testutil.EventFixture(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, r.Submit(context.Background(), nil, nil), core.ErrInvalidInput)
	r.Wait()
}
