package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantumlife/ponder/internal/analyzer"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/llm"
	"github.com/quantumlife/ponder/internal/orphans"
	"github.com/quantumlife/ponder/internal/storage"
	"github.com/quantumlife/ponder/internal/testutil"
)

type testEnv struct {
	srv      *Server
	analyzer *analyzer.Analyzer
	runner   *analyzer.Runner
	ledger   *ledger.Store
	orphans  *orphans.Manager
}

// testServer wires a server over an in-memory database and gw
func testServer(t *testing.T, gw analyzer.Gateway) *testEnv {
	t.Helper()

	db := testutil.TestDB(t)
	led := testutil.TestLedger(t, db)
	rec := ledger.NewRecorder(led)
	hub := NewHub()
	analyses := storage.NewAnalysisStore(db)

	mgr, err := orphans.NewManager(orphans.Config{Policy: orphans.RejectPermanent},
		orphans.WithStore(storage.NewOrphanStore(db)),
		orphans.WithHook(rec.OrphanChanged),
		orphans.WithHook(hub.OrphanChanged),
	)
	if err != nil {
		t.Fatalf("new orphan manager: %v", err)
	}

	a, err := analyzer.New(analyzer.Deps{
		Gateway:   gw,
		Proposer:  mgr,
		Observers: []analyzer.Observer{analyses, rec, hub},
	}, analyzer.DefaultLimits(), analyzer.Policy{
		Thresholds: core.DefaultThresholds(),
		HighStakes: analyzer.HighStakes{AmountCeiling: 10000, DeadlineWindow: 48 * time.Hour},
	})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	runner := analyzer.NewRunner(a, 2)
	t.Cleanup(runner.Wait)

	srv := New(Config{
		Analyzer: a,
		Runner:   runner,
		Events:   storage.NewEventStore(db),
		Analyses: analyses,
		Orphans:  mgr,
		Ledger:   led,
		Recorder: rec,
		Hub:      hub,
	})
	t.Cleanup(hub.Close)

	return &testEnv{srv: srv, analyzer: a, runner: runner, ledger: led, orphans: mgr}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func confidentReply() string {
	return testutil.Reply(0.97, testutil.Enrich("deadline", "report due friday", "Q3 Report", "high", 0.97))
}

// --- Health ---

func TestAPI_Health(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	rr := env.do(t, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp map[string]interface{}
	decode(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["clients"] != float64(0) {
		t.Errorf("clients = %v, want 0", resp["clients"])
	}
}

// --- Events ---

func TestAPI_SubmitEvent_Wait(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	ev := testutil.EventFixture()
	rr := env.do(t, "POST", "/api/v1/events?wait=true", ev)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var an core.Analysis
	decode(t, rr, &an)
	if an.EventID != ev.ID {
		t.Errorf("event_id = %s, want %s", an.EventID, ev.ID)
	}
	if an.Decision == nil || an.Decision.Verdict != core.VerdictAutoApply {
		t.Fatalf("decision = %+v, want AUTO_APPLY", an.Decision)
	}
	if len(an.History) != 1 {
		t.Errorf("passes = %d, want 1", len(an.History))
	}

	// The event and its decision are stored
	rr = env.do(t, "GET", "/api/v1/events/"+string(ev.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get event status = %d, want 200", rr.Code)
	}
	var got struct {
		Event    core.PerceivedEvent     `json:"event"`
		Decision *storage.DecisionRecord `json:"decision"`
	}
	decode(t, rr, &got)
	if got.Event.Subject != ev.Subject {
		t.Errorf("subject = %q, want %q", got.Event.Subject, ev.Subject)
	}
	if got.Decision == nil || got.Decision.Decision.ID != an.Decision.ID {
		t.Errorf("decision = %+v, want %s", got.Decision, an.Decision.ID)
	}

	rr = env.do(t, "GET", "/api/v1/decisions/"+an.Decision.ID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("get decision status = %d, want 200", rr.Code)
	}
}

func TestAPI_SubmitEvent_AssignsID(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	ev := testutil.EventFixture()
	ev.ID = ""
	rr := env.do(t, "POST", "/api/v1/events", ev)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]interface{}
	decode(t, rr, &resp)
	id, _ := resp["event_id"].(string)
	if id == "" {
		t.Fatal("expected an assigned event id")
	}
	if resp["status"] != "analyzing" {
		t.Errorf("status = %v, want analyzing", resp["status"])
	}

	env.runner.Wait()

	rr = env.do(t, "GET", "/api/v1/decisions?event_id="+id, nil)
	var list struct {
		Decisions []*storage.DecisionRecord `json:"decisions"`
		Count     int                       `json:"count"`
	}
	decode(t, rr, &list)
	if list.Count != 1 {
		t.Errorf("decisions = %d, want 1", list.Count)
	}
}

func TestAPI_SubmitEvent_InvalidBody(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	req := httptest.NewRequest("POST", "/api/v1/events", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestAPI_GetEvent_NotFound(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	rr := env.do(t, "GET", "/api/v1/events/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestAPI_GetPasses(t *testing.T) {
	slides := testutil.Enrich("request", "send the slides", "Board Deck", "high", 0.95)
	env := testServer(t, testutil.Replies(
		testutil.Reply(0.65, slides),
		testutil.Reply(0.83, slides),
		testutil.Reply(0.93, slides),
	))

	ev := testutil.EventFixture()
	if rr := env.do(t, "POST", "/api/v1/events?wait=true", ev); rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rr.Code, rr.Body.String())
	}

	rr := env.do(t, "GET", "/api/v1/events/"+string(ev.ID)+"/passes", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Passes []core.PassResult `json:"passes"`
		Count  int               `json:"count"`
	}
	decode(t, rr, &resp)
	if resp.Count < 2 {
		t.Fatalf("passes = %d, want at least 2", resp.Count)
	}
	for i, p := range resp.Passes {
		if p.PassNumber != i+1 {
			t.Errorf("pass %d number = %d", i, p.PassNumber)
		}
	}
	if resp.Passes[0].Tier != core.TierCheap {
		t.Errorf("first tier = %s, want cheap", resp.Passes[0].Tier)
	}
}

func TestAPI_Supersede(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	gw := testutil.NewScriptedGateway()
	gw.InvokeFunc = func(ctx context.Context, tier core.Tier, p core.Prompt) (*llm.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		// a model call is not interrupted by supersede; it finishes first
		<-release
		return &llm.Response{Text: testutil.Reply(0.5), Tier: tier}, nil
	}
	env := testServer(t, gw)

	ev := testutil.EventFixture()
	if rr := env.do(t, "POST", "/api/v1/events", ev); rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rr.Code)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analysis did not start")
	}

	rr := env.do(t, "GET", "/api/v1/running", nil)
	var running struct {
		Running []core.EventID `json:"running"`
	}
	decode(t, rr, &running)
	if len(running.Running) != 1 || running.Running[0] != ev.ID {
		t.Errorf("running = %v, want [%s]", running.Running, ev.ID)
	}

	rr = env.do(t, "POST", "/api/v1/events/"+string(ev.ID)+"/supersede", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("supersede status = %d, want 200", rr.Code)
	}
	close(release)
	env.runner.Wait()

	rr = env.do(t, "GET", "/api/v1/events/"+string(ev.ID), nil)
	var got struct {
		Decision struct {
			Decision core.RoutingDecision `json:"decision"`
		} `json:"decision"`
	}
	decode(t, rr, &got)
	d := got.Decision.Decision
	if d.Passes != 1 {
		t.Errorf("passes = %d, want 1 (stopped at the first boundary)", d.Passes)
	}
	if d.Verdict != core.VerdictQueue {
		t.Errorf("verdict = %s, want QUEUE", d.Verdict)
	}
	cancelled := false
	for _, dg := range d.Degradations {
		if dg == core.DegradedCancelled {
			cancelled = true
		}
	}
	if !cancelled {
		t.Errorf("degradations = %v, want cancelled", d.Degradations)
	}

	if got := env.analyzer.Running(); len(got) != 0 {
		t.Errorf("running after supersede = %v", got)
	}

	// Nothing left to supersede
	rr = env.do(t, "POST", "/api/v1/events/"+string(ev.ID)+"/supersede", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second supersede status = %d, want 404", rr.Code)
	}

	entries, err := env.ledger.History(context.Background(), ledger.EntityEvent, string(ev.ID))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == ledger.ActionEventSuperseded && e.Actor == ledger.ActorUser {
			found = true
		}
	}
	if !found {
		t.Error("expected a superseded ledger entry by the user")
	}
}

// --- Decisions ---

func TestAPI_ListDecisions_Filter(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	for i := 0; i < 2; i++ {
		if rr := env.do(t, "POST", "/api/v1/events?wait=true", testutil.EventFixture()); rr.Code != http.StatusOK {
			t.Fatalf("submit status = %d", rr.Code)
		}
	}

	tests := []struct {
		name  string
		query string
		code  int
		count int
	}{
		{"all", "", http.StatusOK, 2},
		{"auto apply", "?verdict=AUTO_APPLY", http.StatusOK, 2},
		{"queue", "?verdict=QUEUE", http.StatusOK, 0},
		{"limit", "?limit=1", http.StatusOK, 1},
		{"bad verdict", "?verdict=MAYBE", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "GET", "/api/v1/decisions"+tt.query, nil)
			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d", rr.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp struct {
				Count int `json:"count"`
			}
			decode(t, rr, &resp)
			if resp.Count != tt.count {
				t.Errorf("count = %d, want %d", resp.Count, tt.count)
			}
		})
	}
}

func TestAPI_GetDecision_NotFound(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	rr := env.do(t, "GET", "/api/v1/decisions/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

// --- Orphans ---

func TestAPI_OrphanLifecycle(t *testing.T) {
	env := testServer(t, testutil.Replies(testutil.Reply(0.95,
		testutil.Create("fact", "new client signed", "Acme Corp", "organization", 0.9),
	)))

	if rr := env.do(t, "POST", "/api/v1/events?wait=true", testutil.EventFixture()); rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rr.Code)
	}

	rr := env.do(t, "GET", "/api/v1/orphans?state=pending", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rr.Code)
	}
	var list struct {
		Orphans []*core.OrphanQuestion `json:"orphans"`
	}
	decode(t, rr, &list)
	if len(list.Orphans) != 1 {
		t.Fatalf("pending orphans = %d, want 1", len(list.Orphans))
	}
	q := list.Orphans[0]
	if q.Name != "Acme Corp" || q.Type != "organization" {
		t.Errorf("question = %s/%s, want Acme Corp/organization", q.Name, q.Type)
	}

	rr = env.do(t, "GET", "/api/v1/orphans/"+q.ID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", rr.Code)
	}

	rr = env.do(t, "POST", "/api/v1/orphans/"+q.ID+"/resolve", ResolveRequest{State: core.OrphanAccepted})
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var resolved struct {
		Orphan  core.OrphanQuestion `json:"orphan"`
		Warning string              `json:"warning"`
	}
	decode(t, rr, &resolved)
	if resolved.Orphan.State != core.OrphanAccepted {
		t.Errorf("state = %s, want accepted", resolved.Orphan.State)
	}
	if resolved.Warning != "" {
		t.Errorf("unexpected warning %q", resolved.Warning)
	}

	// Accepting is final
	rr = env.do(t, "POST", "/api/v1/orphans/"+q.ID+"/resolve", ResolveRequest{State: core.OrphanRejected})
	if rr.Code != http.StatusConflict {
		t.Errorf("re-resolve status = %d, want 409", rr.Code)
	}

	entries, err := env.ledger.History(context.Background(), ledger.EntityOrphan, q.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("orphan ledger entries = %d, want 2 (created, accepted)", len(entries))
	}
}

func TestAPI_ResolveOrphan_Errors(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	tests := []struct {
		name string
		path string
		body interface{}
		code int
	}{
		{"unknown id", "/api/v1/orphans/missing/resolve", ResolveRequest{State: core.OrphanAccepted}, http.StatusNotFound},
		{"pending is not a resolution", "/api/v1/orphans/missing/resolve", ResolveRequest{State: core.OrphanPending}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", tt.path, tt.body)
			if rr.Code != tt.code {
				t.Errorf("status = %d, want %d", rr.Code, tt.code)
			}
		})
	}

	rr := env.do(t, "GET", "/api/v1/orphans?state=maybe", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad state filter status = %d, want 400", rr.Code)
	}
}

// --- Stats and ledger ---

func TestAPI_Stats(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	if rr := env.do(t, "POST", "/api/v1/events?wait=true", testutil.EventFixture()); rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rr.Code)
	}

	rr := env.do(t, "GET", "/api/v1/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Analyses         storage.Stats  `json:"analyses"`
		ConcurrencyLimit int            `json:"concurrency_limit"`
		Orphans          map[string]int `json:"orphans"`
		LedgerEntries    int            `json:"ledger_entries"`
	}
	decode(t, rr, &resp)
	if resp.Analyses.Decisions != 1 {
		t.Errorf("decisions = %d, want 1", resp.Analyses.Decisions)
	}
	if resp.ConcurrencyLimit != 2 {
		t.Errorf("concurrency_limit = %d, want 2", resp.ConcurrencyLimit)
	}
	if resp.Orphans["pending"] != 0 {
		t.Errorf("pending orphans = %d, want 0", resp.Orphans["pending"])
	}
	// one pass plus the finalized decision
	if resp.LedgerEntries != 2 {
		t.Errorf("ledger_entries = %d, want 2", resp.LedgerEntries)
	}
}

func TestAPI_LedgerRoutes(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	ev := testutil.EventFixture()
	if rr := env.do(t, "POST", "/api/v1/events?wait=true", ev); rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rr.Code)
	}

	rr := env.do(t, "GET", "/api/v1/ledger/verify", nil)
	var verify map[string]interface{}
	decode(t, rr, &verify)
	if verify["chain_valid"] != true {
		t.Errorf("chain_valid = %v, want true", verify["chain_valid"])
	}

	rr = env.do(t, "GET", "/api/v1/ledger?action="+ledger.ActionAnalysisFinalized, nil)
	var list struct {
		Entries []*ledger.Entry `json:"entries"`
	}
	decode(t, rr, &list)
	if len(list.Entries) != 1 {
		t.Fatalf("finalized entries = %d, want 1", len(list.Entries))
	}

	rr = env.do(t, "GET", "/api/v1/ledger/entry/"+list.Entries[0].ID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("entry status = %d, want 200", rr.Code)
	}
	rr = env.do(t, "GET", "/api/v1/ledger/entry/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d, want 404", rr.Code)
	}

	rr = env.do(t, "GET", "/api/v1/ledger/summary", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("summary status = %d, want 200", rr.Code)
	}

	rr = env.do(t, "GET", "/api/v1/ledger?since=yesterday", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rr.Code)
	}
}

// --- WebSocket ---

func TestAPI_WebSocketFeed(t *testing.T) {
	env := testServer(t, testutil.Replies(confidentReply()))

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.srv.Hub().Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ev := testutil.EventFixture()
	if rr := env.do(t, "POST", "/api/v1/events?wait=true", ev); rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rr.Code)
	}

	var types []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(types) < 2 {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		types = append(types, msg.Type)
	}
	if types[0] != MsgPassCompleted || types[1] != MsgAnalysisFinished {
		t.Errorf("messages = %v, want [%s %s]", types, MsgPassCompleted, MsgAnalysisFinished)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Close()
	if hub.Clients() != 0 {
		t.Errorf("clients after close = %d, want 0", hub.Clients())
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}

	// Broadcasting after close is a no-op
	hub.Broadcast(MsgOrphanChanged, nil)
}
