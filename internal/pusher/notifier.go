package pusher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Notifier performs one callback delivery.
type Notifier interface {
	// Notify posts body to url. Only transport failures are errors; any HTTP
	// response, whatever its status, counts as delivered.
	Notify(ctx context.Context, url string, body []byte) (status int, err error)
}

// HTTPNotifier posts JSON callbacks through an instrumented client.
type HTTPNotifier struct {
	client *http.Client
}

// NewHTTPNotifier builds a notifier whose requests give up after timeout.
func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Notify implements Notifier.
func (n *HTTPNotifier) Notify(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
