package mockservers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// CalendarEvent is an event the mock serves
type CalendarEvent struct {
	ID        string
	Summary   string
	Start     time.Time
	AllDay    bool
	Attendees []CalendarAttendee
}

// CalendarAttendee is an invitee of a CalendarEvent
type CalendarAttendee struct {
	Email string
	Name  string
}

// CalendarMockServer serves events.list, honouring timeMin, timeMax and q.
// The q search matches summaries and attendees the way Calendar does.
type CalendarMockServer struct {
	Server *httptest.Server

	mu       sync.Mutex
	events   []CalendarEvent
	requests []listRequest
	status   int
}

type listRequest struct {
	TimeMin, TimeMax, Q string
}

// NewCalendarMockServer creates a new mock Calendar API server
func NewCalendarMockServer(t *testing.T, events ...CalendarEvent) *CalendarMockServer {
	t.Helper()

	mock := &CalendarMockServer{events: events}
	mock.Server = httptest.NewServer(http.HandlerFunc(mock.serve))
	t.Cleanup(mock.Server.Close)
	return mock
}

// URL is the endpoint to hand to option.WithEndpoint
func (m *CalendarMockServer) URL() string { return m.Server.URL + "/" }

// FailWith makes every following request answer with status
func (m *CalendarMockServer) FailWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Queries returns the q parameters of list calls that set one
func (m *CalendarMockServer) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.requests {
		if r.Q != "" {
			out = append(out, r.Q)
		}
	}
	return out
}

// Requests returns how many list calls were served
func (m *CalendarMockServer) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *CalendarMockServer) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	m.mu.Lock()
	status := m.status
	m.mu.Unlock()
	if status != 0 {
		writeError(w, status)
		return
	}
	if r.Method != http.MethodGet || !strings.Contains(r.URL.Path, "/calendars/") || !strings.HasSuffix(r.URL.Path, "/events") {
		writeError(w, http.StatusNotFound)
		return
	}

	params := r.URL.Query()
	req := listRequest{TimeMin: params.Get("timeMin"), TimeMax: params.Get("timeMax"), Q: params.Get("q")}
	minT, _ := time.Parse(time.RFC3339, req.TimeMin)
	maxT, _ := time.Parse(time.RFC3339, req.TimeMax)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var items []map[string]interface{}
	for _, ev := range m.events {
		if !minT.IsZero() && ev.Start.Before(minT) {
			continue
		}
		if !maxT.IsZero() && !ev.Start.Before(maxT) {
			continue
		}
		if req.Q != "" && !ev.mentions(strings.ToLower(req.Q)) {
			continue
		}
		items = append(items, eventJSON(ev))
	}
	m.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"kind":  "calendar#events",
		"items": items,
	})
}

// mentions mirrors the free-text q search over summary and attendees
func (ev CalendarEvent) mentions(q string) bool {
	if strings.Contains(strings.ToLower(ev.Summary), q) {
		return true
	}
	for _, a := range ev.Attendees {
		if strings.Contains(strings.ToLower(a.Email), q) || strings.Contains(strings.ToLower(a.Name), q) {
			return true
		}
	}
	return false
}

func eventJSON(ev CalendarEvent) map[string]interface{} {
	start := map[string]string{"dateTime": ev.Start.Format(time.RFC3339)}
	end := map[string]string{"dateTime": ev.Start.Add(time.Hour).Format(time.RFC3339)}
	if ev.AllDay {
		start = map[string]string{"date": ev.Start.Format("2006-01-02")}
		end = map[string]string{"date": ev.Start.AddDate(0, 0, 1).Format("2006-01-02")}
	}
	attendees := make([]map[string]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		attendees = append(attendees, map[string]string{"email": a.Email, "displayName": a.Name})
	}
	return map[string]interface{}{
		"id":        ev.ID,
		"status":    "confirmed",
		"summary":   ev.Summary,
		"start":     start,
		"end":       end,
		"attendees": attendees,
	}
}
