package redirect

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type fakeResponse struct {
	body     string
	location string
	err      error
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
	agents    []string
}

func newFakeFetcher(responses map[string]fakeResponse) *fakeFetcher {
	return &fakeFetcher{responses: responses}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ time.Duration, userAgent string) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	f.agents = append(f.agents, userAgent)
	resp, ok := f.responses[url]
	if !ok {
		return FetchResult{}, fmt.Errorf("%w: no route to %s", ErrFetch, url)
	}
	if resp.err != nil {
		return FetchResult{}, resp.err
	}
	return FetchResult{Body: resp.body, RedirectURL: resp.location}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func metaTo(target string) string {
	return `<html><head><meta http-equiv="refresh" content="0; url=` + target + `"></head></html>`
}
