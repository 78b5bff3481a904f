// Package netcheck answers whether the outside network is reachable.
package netcheck

import (
	"context"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Probe issues a GET against a fixed check URL.
type Probe struct {
	url       string
	timeout   time.Duration
	userAgent string
	logger    *zap.Logger
}

// New builds a probe for checkURL.
func New(checkURL string, timeout time.Duration, userAgent string, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{url: checkURL, timeout: timeout, userAgent: userAgent, logger: logger}
}

// IsReachable reports whether the check URL answered with a 2xx status
// within the timeout.
func (p *Probe) IsReachable(ctx context.Context) bool {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.StdlibContext(ctx),
	)
	if p.userAgent != "" {
		collector.UserAgent = p.userAgent
	}
	collector.SetRequestTimeout(p.timeout)

	var failed error
	collector.OnError(func(_ *colly.Response, err error) {
		failed = err
	})
	if err := collector.Visit(p.url); err != nil {
		p.logger.Warn("network check failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	if failed != nil {
		p.logger.Warn("network check failed", zap.String("url", p.url), zap.Error(failed))
		return false
	}
	return true
}
