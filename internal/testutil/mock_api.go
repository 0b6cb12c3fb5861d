// Package testutil provides testing utilities for the fetch pipeline: a
// simulated clock, a scripted in-memory remote client and an HTTP mock of
// the analytics API.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MockAPIResponse defines the behavior for a mock endpoint response.
type MockAPIResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock analytics server for testing. Without
// custom handlers it serves the export and engage endpoints from Events
// and Profiles.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	events   Dataset
	profiles []map[string]any
	pageSize int

	// Tracking
	RequestCount    int
	LastRequestAuth string
}

// NewMockAPI creates a new mock analytics server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		pageSize: 2,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestAuth = r.Header.Get("Authorization")
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL. Use it as both base and export URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetEvents sets the events served by the export endpoint.
func (m *MockAPI) SetEvents(d Dataset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = d
}

// SetProfiles sets the profiles served by the engage endpoint. Each entry
// needs a "$distinct_id" and may carry "$properties".
func (m *MockAPI) SetProfiles(profiles []map[string]any, pageSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = profiles
	if pageSize > 0 {
		m.pageSize = pageSize
	}
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(path string, resp MockAPIResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

func (m *MockAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "missing credentials"}`))
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/2.0/export"):
		m.serveExport(w, r)
	case strings.HasSuffix(r.URL.Path, "/2.0/engage"):
		m.serveEngage(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "unknown endpoint"}`))
	}
}

func (m *MockAPI) serveExport(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	events := m.events
	m.mu.RUnlock()

	from, err := time.Parse("2006-01-02", r.URL.Query().Get("from_date"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid from_date"}`))
		return
	}
	to, err := time.Parse("2006-01-02", r.URL.Query().Get("to_date"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid to_date"}`))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		for _, rec := range events[day.Format("2006-01-02")] {
			line, err := json.Marshal(map[string]any{"event": rec.Name, "properties": rec.Properties})
			if err != nil {
				continue
			}
			w.Write(line)
			w.Write([]byte("\n"))
		}
	}
}

func (m *MockAPI) serveEngage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.RLock()
	profiles := m.profiles
	pageSize := m.pageSize
	m.mu.RUnlock()

	page, _ := strconv.Atoi(r.PostForm.Get("page"))
	start := page * pageSize
	end := start + pageSize
	if start > len(profiles) {
		start = len(profiles)
	}
	if end > len(profiles) {
		end = len(profiles)
	}

	body, err := json.Marshal(map[string]any{
		"page":       page,
		"page_size":  pageSize,
		"session_id": "mock-session",
		"total":      len(profiles),
		"status":     "ok",
		"results":    profiles[start:end],
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(body)
}

// NewRateLimitResponse creates a 429 response with a Retry-After hint.
func NewRateLimitResponse(retryAfter time.Duration) MockAPIResponse {
	return MockAPIResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  fmt.Sprintf("%d", int(retryAfter.Seconds())),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockAPIResponse {
	return MockAPIResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockAPIResponse {
	return MockAPIResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error": "invalid service account"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
