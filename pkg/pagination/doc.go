// Package pagination defines the cursor-paginated page contract between the
// export engine and the upstream customers API.
//
// Pages are fetched strictly one at a time: the cursor for page N+1 is the
// ID of the last record on page N, so there is nothing to parallelise
// without risking out-of-order appends.
//
// Example usage:
//
//	cfg := pagination.DefaultConfig()
//	page, err := fetcher.FetchPage(ctx, cursor, cfg.PageSize)
//	switch {
//	case err == nil:
//		// append page.Records, advance to page.LastID()
//	case errors.Is(err, pagination.ErrRateLimited):
//		// hand off to the retry scheduler
//	default:
//		// hard stop
//	}
//
// A fetcher classifies failures at the API boundary so callers branch on
// exactly three outcomes: success, rate limited, anything else.
package pagination
