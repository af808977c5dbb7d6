// Package client provides the HTTP client for the paginated customers list
// API, with proactive throttling and failure classification.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/customer-export/pkg/pagination"
	"github.com/Sternrassler/customer-export/pkg/record"
)

// Prometheus metrics for upstream requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "customers_upstream_requests_total",
		Help: "Total customers API requests by HTTP status",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "customers_upstream_request_duration_seconds",
		Help:    "Customers API request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "customers_upstream_errors_total",
		Help: "Total customers API failures by class",
	}, []string{"class"})
)

// customersPath is the list endpoint relative to BaseURL.
const customersPath = "/v1/customers"

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// Client fetches customer pages from the upstream API.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

var _ pagination.PageFetcher = (*Client)(nil)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://api.stripe.com"
	BaseURL string

	// APIKey is the secret key sent as a Bearer token (REQUIRED)
	APIKey string

	// UserAgent header
	UserAgent string

	// Timeout for a single HTTP request
	Timeout time.Duration

	// RequestsPerSecond throttles requests before the upstream has to.
	// Zero disables throttling.
	RequestsPerSecond float64
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:           "https://api.stripe.com",
		APIKey:            apiKey,
		UserAgent:         "customer-export/0.1.0",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 20,
	}
}

// New creates a new customers API client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http(s), got %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		baseURL: base,
		config:  cfg,
		logger:  log.With().Str("component", "customers-client").Logger(),
	}, nil
}

// FetchPage requests up to limit customers strictly after cursor and
// projects each one to (id, name, email). It never retries.
func (c *Client) FetchPage(ctx context.Context, cursor record.Cursor, limit int) (pagination.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return pagination.Page{}, c.fail(&APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "throttle wait",
			Err:        err,
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(cursor, limit), nil)
	if err != nil {
		return pagination.Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("cursor", cursor.String()).
		Int("limit", limit).
		Msg("Fetching customers page")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	upstreamRequestDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		return pagination.Page{}, c.fail(&APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		})
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return pagination.Page{}, c.fail(&APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read body",
			Err:        err,
		})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pagination.Page{}, c.fail(&APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyStatus(resp.StatusCode),
			Message:    errorMessage(resp, body),
		})
	}

	page, err := decodePage(body)
	if err != nil {
		return pagination.Page{}, c.fail(&APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassDecode,
			Message:    "decode customer list",
			Err:        err,
		})
	}

	return page, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) pageURL(cursor record.Cursor, limit int) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + customersPath

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !cursor.IsZero() {
		q.Set("starting_after", cursor.String())
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// fail records and logs a classified error and returns it.
func (c *Client) fail(apiErr *APIError) error {
	upstreamErrorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()

	event := c.logger.Warn()
	if apiErr.ErrorClass == ErrorClassRateLimit {
		event = c.logger.Info()
	}
	event.
		Int("status", apiErr.StatusCode).
		Str("error_class", string(apiErr.ErrorClass)).
		Msg("Customers API request failed")

	return apiErr
}

// decodePage projects the list response onto records. Only id, name and
// email are kept; ids may arrive as JSON strings or numbers.
func decodePage(body []byte) (pagination.Page, error) {
	if !gjson.ValidBytes(body) {
		return pagination.Page{}, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}

	result := gjson.ParseBytes(body)

	data := result.Get("data")
	if !data.IsArray() {
		return pagination.Page{}, fmt.Errorf("%w: missing data array", ErrMalformedResponse)
	}

	hasMore := result.Get("has_more")
	if hasMore.Type != gjson.True && hasMore.Type != gjson.False {
		return pagination.Page{}, fmt.Errorf("%w: missing has_more flag", ErrMalformedResponse)
	}

	items := data.Array()
	records := make([]record.Record, 0, len(items))
	for i, item := range items {
		id := item.Get("id")
		if id.String() == "" {
			return pagination.Page{}, fmt.Errorf("%w: customer %d has no id", ErrMalformedResponse, i)
		}
		records = append(records, record.Record{
			ID:    id.String(),
			Name:  item.Get("name").String(),
			Email: item.Get("email").String(),
		})
	}

	return pagination.Page{Records: records, HasMore: hasMore.Bool()}, nil
}

// errorMessage extracts error.message from an API error body, falling back
// to the HTTP status text.
func errorMessage(resp *http.Response, body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	return resp.Status
}

// IsTimeout reports whether err was caused by a request deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
