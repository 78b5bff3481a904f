// Package collyfetcher implements redirect.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/redirect-resolver/internal/redirect"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher performs single-hop requests with redirects disabled.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. The transport is shared by every fetch so
// connections are pooled across hops.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = redirect.DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Fetcher{cfg: cfg, transport: newHTTPTransport()}
}

// Fetch issues one GET for url. A 3xx response yields its Location resolved
// against url; any other response yields its body.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration, userAgent string) (redirect.FetchResult, error) {
	var (
		result   redirect.FetchResult
		fetchErr error
	)
	collector := f.buildCollector(ctx, timeout, userAgent)
	f.configureCollectorHooks(collector, &result, &fetchErr)

	if err := collector.Visit(url); err != nil {
		return redirect.FetchResult{}, fmt.Errorf("%w: visit %s: %w", redirect.ErrFetch, url, err)
	}
	if fetchErr != nil {
		return redirect.FetchResult{}, fmt.Errorf("%w: response %s: %w", redirect.ErrFetch, url, fetchErr)
	}
	return result, nil
}

// buildCollector returns a fresh collector per fetch: Clone shares the HTTP
// client, so per-call timeouts and redirect policy would leak between
// concurrent fetches.
func (f *Fetcher) buildCollector(ctx context.Context, timeout time.Duration, userAgent string) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
		colly.StdlibContext(ctx),
	)
	collector.UserAgent = f.cfg.UserAgent
	if userAgent != "" {
		collector.UserAgent = userAgent
	}
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.WithTransport(f.transport)
	collector.SetRequestTimeout(timeout)
	collector.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *redirect.FetchResult, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.Body = string(r.Body)
		if r.StatusCode < 300 || r.StatusCode >= 400 || r.Headers == nil {
			return
		}
		if loc := r.Headers.Get("Location"); loc != "" {
			result.RedirectURL = r.Request.AbsoluteURL(loc)
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
