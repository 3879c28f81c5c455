// Package apitest provides an in-process fake of the OGD API for tests.
//
// The fake serves /lists and /resource/{index_name} with the same paging
// contract as the real API (offset/limit, "total" and "records" fields) and
// lets tests inject failures on chosen requests.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// APIKey is the key the fake accepts.
const APIKey = "test-api-key"

// Dropped makes Fail hijack and close the connection, which the client sees
// as a network error.
const Dropped = -1

// Dataset is a resource served by /resource/{index_name}.
type Dataset struct {
	Title   string
	Fields  []string
	Records []map[string]any
}

// Server is a fake OGD API.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	catalog  []map[string]any
	datasets map[string]*Dataset
	requests []string
	fail     func(r *http.Request) int
}

// New starts a fake server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{datasets: make(map[string]*Dataset)}
	mux := http.NewServeMux()
	mux.HandleFunc("/lists", s.handleLists)
	mux.HandleFunc("/resource/", s.handleResource)
	s.Server = httptest.NewServer(s.wrap(mux))
	t.Cleanup(s.Close)
	return s
}

// ID builds a valid 36 character index name from n.
func ID(n int) string {
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", n)
}

// CatalogRecord builds a raw catalog record as the real API emits it.
func CatalogRecord(n int, title string, updated int64) map[string]any {
	return map[string]any{
		"index_name": ID(n),
		"title":      title,
		"desc":       "About " + title,
		"org":        []string{"Ministry of Statistics and Programme Implementation"},
		"org_type":   "Central",
		"source":     "data.gov.in",
		"sector":     []string{"Statistics"},
		"field": []map[string]string{
			{"id": "state", "name": "State", "type": "keyword"},
			{"id": "value", "name": "Value", "type": "double"},
		},
		"created": 1500000000 + int64(n),
		"updated": updated,
	}
}

// SetCatalog replaces the catalog records.
func (s *Server) SetCatalog(records []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = records
}

// SetDataset registers or replaces a dataset.
func (s *Server) SetDataset(indexName string, ds *Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[indexName] = ds
}

// SetFail installs a hook consulted before every request. A non-zero status
// makes the fake answer with that status, or drop the connection for
// Dropped. A nil hook serves every request normally.
func (s *Server) SetFail(fn func(r *http.Request) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Requests returns the path and query of every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// CountRequests returns how many requests hit paths with the given prefix.
func (s *Server) CountRequests(prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.RequestURI())
		fail := s.fail
		s.mu.Unlock()

		if fail != nil {
			switch status := fail(r); {
			case status == Dropped:
				hj, ok := w.(http.Hijacker)
				if !ok {
					http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
					return
				}
				conn, _, err := hj.Hijack()
				if err == nil {
					conn.Close()
				}
				return
			case status != 0:
				writeJSON(w, status, map[string]any{"status": "error", "message": http.StatusText(status)})
				return
			}
		}

		if r.URL.Query().Get("api-key") != APIKey {
			writeJSON(w, http.StatusForbidden, map[string]any{"status": "error", "message": "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit := paging(q.Get("offset"), q.Get("limit"))

	s.mu.Lock()
	records := append([]map[string]any(nil), s.catalog...)
	s.mu.Unlock()

	for _, key := range []string{"created", "updated"} {
		order := q.Get("sort[" + key + "]")
		if order == "" {
			continue
		}
		sort.SliceStable(records, func(i, j int) bool {
			a, b := toInt(records[i][key]), toInt(records[j][key])
			if order == "desc" {
				return a > b
			}
			return a < b
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"total":   len(records),
		"count":   len(window(records, offset, limit)),
		"records": window(records, offset, limit),
	})
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/resource/")

	s.mu.Lock()
	ds, ok := s.datasets[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "Meta not found"})
		return
	}

	q := r.URL.Query()
	offset, limit := paging(q.Get("offset"), q.Get("limit"))

	records := make([]map[string]any, 0, len(ds.Records))
	for _, rec := range ds.Records {
		if matchesFilters(rec, q) {
			records = append(records, rec)
		}
	}

	page := window(records, offset, limit)
	if fields := q.Get("fields"); fields != "" {
		page = project(page, strings.Split(fields, ","))
	}

	fieldDefs := make([]map[string]string, 0, len(ds.Fields))
	for _, f := range ds.Fields {
		fieldDefs = append(fieldDefs, map[string]string{"id": f, "name": f, "type": "keyword"})
	}

	// The real API reports total as a string on this endpoint.
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"index_name": id,
		"title":      ds.Title,
		"field":      fieldDefs,
		"total":      strconv.Itoa(len(records)),
		"count":      len(page),
		"offset":     strconv.Itoa(offset),
		"limit":      strconv.Itoa(limit),
		"records":    page,
	})
}

func matchesFilters(rec map[string]any, q map[string][]string) bool {
	for key, values := range q {
		if !strings.HasPrefix(key, "filters[") || len(values) == 0 {
			continue
		}
		field := strings.TrimSuffix(strings.TrimPrefix(key, "filters["), "]")
		if fmt.Sprint(rec[field]) != values[0] {
			return false
		}
	}
	return true
}

func project(records []map[string]any, fields []string) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		p := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := rec[f]; ok {
				p[f] = v
			}
		}
		out = append(out, p)
	}
	return out
}

func paging(offsetStr, limitStr string) (int, int) {
	offset, _ := strconv.Atoi(offsetStr)
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		limit = 10
	}
	return offset, limit
}

func window(records []map[string]any, offset, limit int) []map[string]any {
	if offset >= len(records) || limit <= 0 {
		return []map[string]any{}
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end]
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
