package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/logging"
)

const defaultLedgerPage = 100

// LedgerAPI exposes the audit ledger read-only. Nothing under /ledger
// appends; entries are written by the recorder only.
type LedgerAPI struct {
	store *ledger.Store
}

// NewLedgerAPI wraps a ledger store
func NewLedgerAPI(store *ledger.Store) *LedgerAPI {
	return &LedgerAPI{store: store}
}

// RegisterRoutes mounts /ledger on r
func (api *LedgerAPI) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", api.list)
		r.Get("/summary", api.summary)
		r.Get("/verify", api.verify)
		r.Get("/entry/{id}", api.entry)
		r.Get("/entity/{type}/{id}", api.history)
	})
}

type entriesResponse struct {
	Entries      []*ledger.Entry `json:"entries"`
	Count        int             `json:"count"`
	TotalEntries int             `json:"total_entries,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
	EntityType   string          `json:"entity_type,omitempty"`
	EntityID     string          `json:"entity_id,omitempty"`
}

type verifyResponse struct {
	ChainValid   bool      `json:"chain_valid"`
	VerifiedAt   time.Time `json:"verified_at"`
	TotalEntries int       `json:"total_entries"`
	Error        string    `json:"error,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	EntryNum     int       `json:"entry_num,omitempty"`
	EntryID      string    `json:"entry_id,omitempty"`
}

// parseLedgerQuery reads the list filters. Unparseable paging values are
// rejected rather than silently defaulted.
func parseLedgerQuery(q url.Values) (ledger.QueryOptions, error) {
	opts := ledger.QueryOptions{
		Action:     q.Get("action"),
		Actor:      q.Get("actor"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Limit:      defaultLedgerPage,
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("since must be RFC 3339: %q", v)
		}
		opts.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("limit must be a positive integer: %q", v)
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("offset must be a non-negative integer: %q", v)
		}
		opts.Offset = n
	}
	return opts, nil
}

func (api *LedgerAPI) list(w http.ResponseWriter, r *http.Request) {
	opts, err := parseLedgerQuery(r.URL.Query())
	if err != nil {
		writeStatus(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	entries, err := api.store.Query(r.Context(), opts)
	if err != nil {
		api.fail(w, "query", err)
		return
	}
	total, err := api.store.Count(r.Context())
	if err != nil {
		api.fail(w, "count", err)
		return
	}

	writeJSON(w, entriesResponse{
		Entries:      entries,
		Count:        len(entries),
		TotalEntries: total,
		Limit:        opts.Limit,
		Offset:       opts.Offset,
	})
}

func (api *LedgerAPI) summary(w http.ResponseWriter, r *http.Request) {
	s, err := api.store.GetSummary(r.Context())
	if err != nil {
		api.fail(w, "summary", err)
		return
	}
	writeJSON(w, s)
}

// verify walks the whole chain. A broken chain is still a 200; the body
// says where it broke.
func (api *LedgerAPI) verify(w http.ResponseWriter, r *http.Request) {
	resp := verifyResponse{VerifiedAt: time.Now().UTC()}

	err := api.store.VerifyChain(r.Context())
	var chainErr *ledger.ChainError
	switch {
	case err == nil:
		resp.ChainValid = true
	case errors.As(err, &chainErr):
		resp.Error = err.Error()
		resp.ErrorType = chainErr.Type
		resp.EntryNum = chainErr.EntryNum
		resp.EntryID = chainErr.EntryID
	default:
		api.fail(w, "verify", err)
		return
	}

	total, err := api.store.Count(r.Context())
	if err != nil {
		api.fail(w, "count", err)
		return
	}
	resp.TotalEntries = total
	writeJSON(w, resp)
}

func (api *LedgerAPI) entry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := api.store.GetByID(r.Context(), id)
	switch {
	case err != nil:
		api.fail(w, "get entry", err)
	case e == nil:
		writeStatus(w, http.StatusNotFound, errorBody{Error: "ledger entry not found: " + id})
	default:
		writeJSON(w, e)
	}
}

func (api *LedgerAPI) history(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := chi.URLParam(r, "type"), chi.URLParam(r, "id")
	entries, err := api.store.History(r.Context(), entityType, entityID)
	if err != nil {
		api.fail(w, "history", err)
		return
	}
	writeJSON(w, entriesResponse{
		Entries:    entries,
		Count:      len(entries),
		EntityType: entityType,
		EntityID:   entityID,
	})
}

func (api *LedgerAPI) fail(w http.ResponseWriter, op string, err error) {
	logging.Error("ledger api %s: %v", op, err)
	writeStatus(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeStatus(w, http.StatusOK, v)
}

func writeStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
