// Package export implements the incremental customer sync: resolve the resume
// cursor from the record store, page through the upstream API strictly in
// order, append each page durably, and hand rate limits to the retry
// scheduler.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/customer-export/pkg/pagination"
	"github.com/Sternrassler/customer-export/pkg/record"
)

var (
	// ErrStore is wrapped by every failure to read or append the record store.
	ErrStore = errors.New("record store failure")

	// ErrEmptyPage reports a page with has_more set but no records; the
	// cursor cannot advance past it.
	ErrEmptyPage = errors.New("upstream returned an empty page with has_more set")
)

// Run outcomes used as the result label of customers_sync_runs_total.
const (
	resultCompleted   = "completed"
	resultRateLimited = "rate_limited"
	resultFailed      = "failed"
	resultStoreError  = "store_error"
)

// Prometheus metrics for sync runs.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "customers_pages_fetched_total",
		Help: "Total number of customer pages fetched successfully",
	})

	recordsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "customers_records_appended_total",
		Help: "Total number of customer records appended to the store",
	})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "customers_sync_runs_total",
		Help: "Total number of sync runs by result",
	}, []string{"result"})
)

// RetryScheduler receives the rate-limit and clean-completion events of a run.
// *ratelimit.Scheduler implements it.
type RetryScheduler interface {
	OnRateLimited(ctx context.Context) (time.Duration, error)
	OnCleanCompletion(ctx context.Context) error
}

// Result summarizes one run.
type Result struct {
	// Completed is true when the upstream reported no more pages.
	Completed bool
	// Pages and Records count what this run appended.
	Pages   int
	Records int
	// Cursor is the resume cursor after the run.
	Cursor record.Cursor
	// RetryDelay is set when the run scheduled a retry.
	RetryDelay time.Duration
}

// Engine runs the sync loop. It holds no state between runs; everything it
// resumes from lives in the store and the scheduler's counter.
type Engine struct {
	store     record.Store
	fetcher   pagination.PageFetcher
	scheduler RetryScheduler
	config    pagination.Config
	logger    zerolog.Logger
}

// NewEngine creates a sync engine.
func NewEngine(store record.Store, fetcher pagination.PageFetcher, scheduler RetryScheduler, cfg pagination.Config, logger zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		fetcher:   fetcher,
		scheduler: scheduler,
		config:    cfg.Normalize(),
		logger:    logger,
	}
}

// Run exports every record after the store's last one.
//
// On a rate limit a normal run asks the scheduler for a retry and returns
// Completed=false with a nil error. A retry invocation returns the rate-limit
// error unchanged and leaves scheduling to its caller. Any other fetch
// failure stops the run without appending the in-flight page or touching the
// retry state.
func (e *Engine) Run(ctx context.Context, retryInvocation bool) (Result, error) {
	cursor, err := record.ResolveCursor(ctx, e.store)
	if err != nil {
		syncRunsTotal.WithLabelValues(resultStoreError).Inc()
		return Result{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	result := Result{Cursor: cursor}

	e.logger.Info().
		Str("cursor", cursor.String()).
		Bool("retry", retryInvocation).
		Msg("Starting customer sync")

	for {
		page, err := e.fetch(ctx, cursor)
		switch {
		case err == nil:
		case errors.Is(err, pagination.ErrRateLimited):
			syncRunsTotal.WithLabelValues(resultRateLimited).Inc()
			if retryInvocation {
				e.logger.Info().
					Str("cursor", cursor.String()).
					Msg("Retry run rate limited, returning to caller")
				return result, err
			}

			delay, schedErr := e.scheduler.OnRateLimited(ctx)
			if schedErr != nil {
				return result, fmt.Errorf("schedule retry: %w", schedErr)
			}
			result.RetryDelay = delay
			return result, nil
		default:
			syncRunsTotal.WithLabelValues(resultFailed).Inc()
			return result, fmt.Errorf("fetch page after %q: %w", cursor, err)
		}

		if page.HasMore && len(page.Records) == 0 {
			syncRunsTotal.WithLabelValues(resultFailed).Inc()
			return result, fmt.Errorf("fetch page after %q: %w", cursor, ErrEmptyPage)
		}

		if err := e.store.Append(ctx, page.Records); err != nil {
			syncRunsTotal.WithLabelValues(resultStoreError).Inc()
			return result, fmt.Errorf("%w: append %d records: %w", ErrStore, len(page.Records), err)
		}

		pagesFetchedTotal.Inc()
		recordsAppendedTotal.Add(float64(len(page.Records)))
		result.Pages++
		result.Records += len(page.Records)

		if len(page.Records) > 0 {
			cursor = page.LastID()
			result.Cursor = cursor
		}

		e.logger.Debug().
			Int("page", result.Pages).
			Int("records", len(page.Records)).
			Str("cursor", cursor.String()).
			Bool("has_more", page.HasMore).
			Msg("Page appended")

		if !page.HasMore {
			break
		}
	}

	if err := e.scheduler.OnCleanCompletion(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to reset retry state after clean completion")
	}

	syncRunsTotal.WithLabelValues(resultCompleted).Inc()
	result.Completed = true

	e.logger.Info().
		Int("pages", result.Pages).
		Int("records", result.Records).
		Str("cursor", result.Cursor.String()).
		Msg("Customer sync completed")

	return result, nil
}

// fetch requests one page under the per-fetch timeout.
func (e *Engine) fetch(ctx context.Context, cursor record.Cursor) (pagination.Page, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	return e.fetcher.FetchPage(fetchCtx, cursor, e.config.PageSize)
}
