// Package mockservers provides httptest stand-ins for the Google APIs the
// context sources query.
package mockservers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// GmailMessage is a message the mock serves
type GmailMessage struct {
	ID      string
	From    string // raw From header, e.g. `Dana Smith <dana@example.com>`
	Subject string
	Date    string // RFC 1123Z
	Snippet string
}

// GmailMockServer serves users.messages.list and users.messages.get.
// List applies the first from: or subject: operator in q as a
// case-insensitive substring filter.
type GmailMockServer struct {
	Server *httptest.Server

	mu       sync.Mutex
	messages []GmailMessage
	queries  []string
	status   int
}

// NewGmailMockServer creates a new mock Gmail API server
func NewGmailMockServer(t *testing.T, messages ...GmailMessage) *GmailMockServer {
	t.Helper()

	mock := &GmailMockServer{messages: messages}
	mock.Server = httptest.NewServer(http.HandlerFunc(mock.serve))
	t.Cleanup(mock.Server.Close)
	return mock
}

// URL is the endpoint to hand to option.WithEndpoint
func (m *GmailMockServer) URL() string { return m.Server.URL + "/" }

// FailWith makes every following request answer with status
func (m *GmailMockServer) FailWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Queries returns the q parameters list calls received
func (m *GmailMockServer) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

func (m *GmailMockServer) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	m.mu.Lock()
	status := m.status
	m.mu.Unlock()
	if status != 0 {
		writeError(w, status)
		return
	}

	const prefix = "/users/me/messages"
	i := strings.Index(r.URL.Path, prefix)
	if i < 0 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound)
		return
	}
	rest := strings.Trim(r.URL.Path[i+len(prefix):], "/")
	if rest == "" {
		m.list(w, r)
		return
	}
	m.get(w, rest)
}

func (m *GmailMockServer) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	m.mu.Lock()
	m.queries = append(m.queries, q)
	field, want := gmailOperator(q)
	var refs []map[string]string
	for _, msg := range m.messages {
		var have string
		switch field {
		case "from":
			have = msg.From
		case "subject":
			have = msg.Subject
		}
		if field != "" && !strings.Contains(strings.ToLower(have), want) {
			continue
		}
		refs = append(refs, map[string]string{"id": msg.ID, "threadId": "thread-" + msg.ID})
	}
	m.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"messages":           refs,
		"resultSizeEstimate": len(refs),
	})
}

func (m *GmailMockServer) get(w http.ResponseWriter, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID != id {
			continue
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       msg.ID,
			"threadId": "thread-" + msg.ID,
			"snippet":  msg.Snippet,
			"payload": map[string]interface{}{
				"headers": []map[string]string{
					{"name": "From", "value": msg.From},
					{"name": "Subject", "value": msg.Subject},
					{"name": "Date", "value": msg.Date},
				},
			},
		})
		return
	}
	writeError(w, http.StatusNotFound)
}

// gmailOperator pulls the first from: or subject: operand out of q
func gmailOperator(q string) (string, string) {
	for _, field := range []string{"from", "subject"} {
		i := strings.Index(q, field+":")
		if i < 0 {
			continue
		}
		v := q[i+len(field)+1:]
		if strings.HasPrefix(v, `"`) {
			v = v[1:]
			if j := strings.Index(v, `"`); j >= 0 {
				v = v[:j]
			}
		} else if j := strings.IndexByte(v, ' '); j >= 0 {
			v = v[:j]
		}
		return field, strings.ToLower(v)
	}
	return "", ""
}

func writeError(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": http.StatusText(status),
		},
	})
}
