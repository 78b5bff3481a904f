package redirect

import (
	"context"
	"errors"
	"time"
)

// ErrFetch is the single condition every transport failure collapses into.
var ErrFetch = errors.New("fetch failed")

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "redirect-resolver/1.0"

// FetchResult is the outcome of one request.
type FetchResult struct {
	Body string
	// RedirectURL is the absolute Location of a 3xx response, or empty.
	RedirectURL string
}

// Fetcher performs exactly one request without following redirects.
// Implementations wrap every failure in ErrFetch.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration, userAgent string) (FetchResult, error)
}
