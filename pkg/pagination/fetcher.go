package pagination

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/customer-export/pkg/record"
)

// DefaultPageSize is the number of records requested per page.
const DefaultPageSize = 50

// ErrRateLimited is matched (via errors.Is) by every fetch failure caused by
// the upstream signalling overload.
var ErrRateLimited = errors.New("upstream rate limited")

// Config holds pager configuration.
type Config struct {
	// PageSize is the number of records requested per page
	PageSize int
	// Timeout bounds a single page fetch
	Timeout time.Duration
}

// DefaultConfig returns the default pager configuration.
func DefaultConfig() Config {
	return Config{
		PageSize: DefaultPageSize,
		Timeout:  15 * time.Second,
	}
}

// Normalize fills zero fields with defaults.
func (c Config) Normalize() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// PageFetcher fetches one page of records strictly after cursor.
//
// Implementations never retry internally. A rate-limit response must yield
// an error matching ErrRateLimited; every other failure is returned as-is.
// Fetching the same cursor twice must return the same records for a stable
// upstream ordering.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor record.Cursor, limit int) (Page, error)
}

// Page is one batch of projected records plus the continuation flag.
type Page struct {
	Records []record.Record
	HasMore bool
}

// LastID returns the cursor for the next page, or the empty cursor if the
// page has no records.
func (p Page) LastID() record.Cursor {
	if len(p.Records) == 0 {
		return ""
	}
	return record.Cursor(p.Records[len(p.Records)-1].ID)
}

// IsRateLimited reports whether err is an upstream rate-limit failure.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
