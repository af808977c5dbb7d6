package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/customer-export/internal/testutil"
	"github.com/Sternrassler/customer-export/pkg/pagination"
	"github.com/Sternrassler/customer-export/pkg/record"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	cfg := DefaultConfig("sk_test_123")
	cfg.BaseURL = baseURL
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 2 * time.Second

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{name: "valid config", config: DefaultConfig("sk_test_123")},
		{name: "missing api key", config: DefaultConfig(""), expectError: true},
		{
			name:        "missing base url",
			config:      Config{APIKey: "sk_test_123"},
			expectError: true,
		},
		{
			name:        "unsupported scheme",
			config:      Config{APIKey: "sk_test_123", BaseURL: "ftp://example.com"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.expectError {
				t.Errorf("New() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("key")

	if cfg.APIKey != "key" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "key")
	}
	if cfg.BaseURL != "https://api.stripe.com" {
		t.Errorf("BaseURL = %q, want https://api.stripe.com", cfg.BaseURL)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
}

func TestFetchPage_FirstPage(t *testing.T) {
	mock := testutil.NewMockAPI(testutil.Customers("cus_", 3)...)
	defer mock.Close()
	mock.RequireAPIKey("sk_test_123")

	c := newTestClient(t, mock.URL())

	page, err := c.FetchPage(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if len(page.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(page.Records))
	}
	if !page.HasMore {
		t.Error("HasMore = false, want true")
	}
	want := record.Record{ID: "cus_1", Name: "Customer cus_1", Email: "cus_1@test.email"}
	if page.Records[0] != want {
		t.Errorf("Records[0] = %+v, want %+v", page.Records[0], want)
	}

	if cursors := mock.GetCursors(); len(cursors) != 1 || cursors[0] != "" {
		t.Errorf("cursors = %v, want [\"\"]", cursors)
	}
	if mock.Limits[0] != 2 {
		t.Errorf("limit = %d, want 2", mock.Limits[0])
	}
	if got := mock.LastHeader.Get("Authorization"); got != "Bearer sk_test_123" {
		t.Errorf("Authorization = %q, want Bearer token", got)
	}
}

func TestFetchPage_StartingAfter(t *testing.T) {
	mock := testutil.NewMockAPI(testutil.Customers("cus_", 3)...)
	defer mock.Close()

	c := newTestClient(t, mock.URL())

	page, err := c.FetchPage(context.Background(), "cus_2", 50)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if len(page.Records) != 1 || page.Records[0].ID != "cus_3" {
		t.Errorf("Records = %+v, want only cus_3", page.Records)
	}
	if page.HasMore {
		t.Error("HasMore = true, want false")
	}
	if cursors := mock.GetCursors(); cursors[0] != "cus_2" {
		t.Errorf("starting_after = %q, want cus_2", cursors[0])
	}
}

func TestFetchPage_NumericIDsAndNulls(t *testing.T) {
	mock := testutil.NewMockAPI(
		testutil.Customer{ID: "123", Name: testutil.Str("Quim Porta"), Email: testutil.Str("test@the.email")},
		testutil.Customer{ID: "456", Extra: map[string]any{"phone": "+34 600", "metadata": map[string]any{"k": "v"}}},
	)
	defer mock.Close()

	c := newTestClient(t, mock.URL())

	page, err := c.FetchPage(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	want := []record.Record{
		{ID: "123", Name: "Quim Porta", Email: "test@the.email"},
		{ID: "456", Name: "", Email: ""},
	}
	if len(page.Records) != len(want) {
		t.Fatalf("len(Records) = %d, want %d", len(page.Records), len(want))
	}
	for i := range want {
		if page.Records[i] != want[i] {
			t.Errorf("Records[%d] = %+v, want %+v", i, page.Records[i], want[i])
		}
	}
}

func TestFetchPage_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		response      testutil.MockResponse
		expectedClass ErrorClass
		rateLimited   bool
	}{
		{
			name:          "429 is rate limited",
			response:      testutil.MockResponse{StatusCode: http.StatusTooManyRequests, Body: `{"error":{"message":"slow down"}}`},
			expectedClass: ErrorClassRateLimit,
			rateLimited:   true,
		},
		{
			name:          "500 is a server error",
			response:      testutil.MockResponse{StatusCode: http.StatusInternalServerError},
			expectedClass: ErrorClassServer,
		},
		{
			name:          "401 is an auth error",
			response:      testutil.MockResponse{StatusCode: http.StatusUnauthorized},
			expectedClass: ErrorClassAuth,
		},
		{
			name:          "400 is a client error",
			response:      testutil.MockResponse{StatusCode: http.StatusBadRequest},
			expectedClass: ErrorClassClient,
		},
		{
			name:          "malformed JSON",
			response:      testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"data": [`},
			expectedClass: ErrorClassDecode,
		},
		{
			name:          "missing has_more",
			response:      testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"data": []}`},
			expectedClass: ErrorClassDecode,
		},
		{
			name:          "missing id",
			response:      testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"data": [{"name": "x"}], "has_more": false}`},
			expectedClass: ErrorClassDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.Enqueue(tt.response)

			c := newTestClient(t, mock.URL())

			_, err := c.FetchPage(context.Background(), "", 50)
			if err == nil {
				t.Fatal("FetchPage() error = nil, want error")
			}

			if got := ClassOf(err); got != tt.expectedClass {
				t.Errorf("ClassOf() = %q, want %q", got, tt.expectedClass)
			}
			if got := errors.Is(err, pagination.ErrRateLimited); got != tt.rateLimited {
				t.Errorf("errors.Is(ErrRateLimited) = %v, want %v", got, tt.rateLimited)
			}
			if mock.GetRequestCount() != 1 {
				t.Errorf("RequestCount = %d, want 1 (no internal retry)", mock.GetRequestCount())
			}
		})
	}
}

func TestFetchPage_UpstreamMessage(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	c := newTestClient(t, mock.URL())

	_, err := c.FetchPage(context.Background(), "cus_missing", 50)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Message != "No such customer: 'cus_missing'" {
		t.Errorf("Message = %q, want upstream message", apiErr.Message)
	}
}

func TestFetchPage_Timeout(t *testing.T) {
	mock := testutil.NewMockAPI(testutil.Customers("cus_", 1)...)
	defer mock.Close()
	mock.Enqueue(testutil.MockResponse{Delay: time.Second})

	c := newTestClient(t, mock.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchPage(ctx, "", 50)
	if err == nil {
		t.Fatal("FetchPage() error = nil, want timeout")
	}
	if got := ClassOf(err); got != ErrorClassNetwork {
		t.Errorf("ClassOf() = %q, want %q", got, ErrorClassNetwork)
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false, want true", err)
	}
	if errors.Is(err, pagination.ErrRateLimited) {
		t.Error("timeout must not be classified as rate limited")
	}
}

func TestFetchPage_Throttled(t *testing.T) {
	mock := testutil.NewMockAPI(testutil.Customers("cus_", 1)...)
	defer mock.Close()

	cfg := DefaultConfig("sk_test_123")
	cfg.BaseURL = mock.URL()
	cfg.RequestsPerSecond = 10

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.FetchPage(context.Background(), "", 50); err != nil {
			t.Fatalf("FetchPage() error = %v", err)
		}
	}

	// Burst of 1 at 10 rps: the second and third requests wait ~100ms each.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("3 requests took %v, want throttling >= 150ms", elapsed)
	}
}

func TestDecodePage(t *testing.T) {
	page, err := decodePage([]byte(`{"object":"list","data":[{"id":"cus_1","name":null,"email":"a@b.c","balance":0}],"has_more":true}`))
	if err != nil {
		t.Fatalf("decodePage() error = %v", err)
	}
	if !page.HasMore {
		t.Error("HasMore = false, want true")
	}
	want := record.Record{ID: "cus_1", Name: "", Email: "a@b.c"}
	if len(page.Records) != 1 || page.Records[0] != want {
		t.Errorf("Records = %+v, want [%+v]", page.Records, want)
	}

	if _, err := decodePage([]byte(`not json`)); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("decodePage(invalid) error = %v, want ErrMalformedResponse", err)
	}
}
