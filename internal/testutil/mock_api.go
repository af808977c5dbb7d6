// Package testutil provides testing utilities for the customers API client.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Customer is one upstream customer object. Extra holds fields the exporter
// must ignore.
type Customer struct {
	ID    string
	Name  *string
	Email *string
	Extra map[string]any
}

// MockResponse overrides the next response served by MockAPI.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock customers list API.
type MockAPI struct {
	server *httptest.Server
	mu     sync.RWMutex

	customers []Customer
	queued    []MockResponse
	apiKey    string

	// Tracking
	RequestCount int
	Cursors      []string
	Limits       []int
	LastHeader   http.Header
}

// NewMockAPI creates a mock server serving customers in the given order.
func NewMockAPI(customers ...Customer) *MockAPI {
	mock := &MockAPI{customers: customers}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/customers", mock.handleList)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// RequireAPIKey makes the server answer 401 unless the Bearer token matches.
func (m *MockAPI) RequireAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = key
}

// SetCustomers replaces the dataset.
func (m *MockAPI) SetCustomers(customers ...Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers = customers
}

// Enqueue queues canned responses served before the dataset.
func (m *MockAPI) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, responses...)
}

// EnqueueRateLimit queues n 429 responses.
func (m *MockAPI) EnqueueRateLimit(n int) {
	for i := 0; i < n; i++ {
		m.Enqueue(MockResponse{
			StatusCode: http.StatusTooManyRequests,
			Body:       `{"error":{"type":"rate_limit_error","message":"Too many requests hit the API too quickly."}}`,
		})
	}
}

// Reset clears tracking state and queued responses.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.Cursors = nil
	m.Limits = nil
	m.LastHeader = nil
	m.queued = nil
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetCursors returns the starting_after values seen, in order.
func (m *MockAPI) GetCursors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Cursors...)
}

func (m *MockAPI) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cursor := r.URL.Query().Get("starting_after")

	m.mu.Lock()
	m.RequestCount++
	m.Cursors = append(m.Cursors, cursor)
	m.Limits = append(m.Limits, limit)
	m.LastHeader = r.Header.Clone()

	var canned *MockResponse
	if len(m.queued) > 0 {
		canned = &m.queued[0]
		m.queued = m.queued[1:]
	}
	apiKey := m.apiKey
	customers := m.customers
	m.mu.Unlock()

	if canned != nil {
		writeCanned(w, r, *canned)
		return
	}

	if apiKey != "" && r.Header.Get("Authorization") != "Bearer "+apiKey {
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "Invalid API Key provided")
		return
	}

	if limit <= 0 || limit > 100 {
		limit = 10
	}

	start := 0
	if cursor != "" {
		start = -1
		for i, c := range customers {
			if c.ID == cursor {
				start = i + 1
				break
			}
		}
		if start < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "No such customer: '"+cursor+"'")
			return
		}
	}

	end := min(start+limit, len(customers))
	data := make([]map[string]any, 0, end-start)
	for _, c := range customers[start:end] {
		data = append(data, c.object())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object":   "list",
		"url":      "/v1/customers",
		"has_more": end < len(customers),
		"data":     data,
	})
}

func (c Customer) object() map[string]any {
	obj := map[string]any{
		"object":   "customer",
		"created":  1700000000,
		"livemode": false,
	}
	for k, v := range c.Extra {
		obj[k] = v
	}
	if n, err := strconv.ParseInt(c.ID, 10, 64); err == nil && !strings.HasPrefix(c.ID, "0") {
		obj["id"] = n
	} else {
		obj["id"] = c.ID
	}
	obj["name"] = nullable(c.Name)
	obj["email"] = nullable(c.Email)
	return obj
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func writeCanned(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": errType, "message": message},
	})
}

// Str returns a pointer to s, for building Customer values.
func Str(s string) *string {
	return &s
}

// Customers builds n customers with sequential ids prefix1..prefixN.
func Customers(prefix string, n int) []Customer {
	out := make([]Customer, n)
	for i := range out {
		id := prefix + strconv.Itoa(i+1)
		out[i] = Customer{
			ID:    id,
			Name:  Str("Customer " + id),
			Email: Str(id + "@test.email"),
		}
	}
	return out
}
