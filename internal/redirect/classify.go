package redirect

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/redirect-resolver/internal/metrics"
)

// Kind describes how a hop ended.
type Kind string

// Hop kinds.
const (
	KindHTTP        Kind = "HTTP"
	KindMetaRefresh Kind = "META_REFRESH"
	KindNone        Kind = "NONE"
	KindError       Kind = "ERROR"
)

// Meta refresh detection: find each <meta> tag, require http-equiv=refresh in
// any attribute position, then read the target out of its content attribute.
// The '=' after url is mandatory.
var (
	metaTag          = regexp.MustCompile(`(?is)<meta\b[^>]*>`)
	httpEquivRefresh = regexp.MustCompile(`(?is)\bhttp-equiv\s*=\s*["']?\s*refresh\b`)
	contentAttr      = regexp.MustCompile(`(?is)\bcontent\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>]+))`)
	refreshURL       = regexp.MustCompile(`(?is)^\s*[\d.]*\s*;\s*url\s*=\s*(.*)$`)
)

// Hop is the result of classifying one URL.
type Hop struct {
	Source string
	Target string
	Kind   Kind
	Body   string
	Err    error
}

// Classifier fetches one URL and decides whether it redirects elsewhere.
type Classifier struct {
	fetcher   Fetcher
	policy    Policy
	userAgent string
}

// NewClassifier wires a fetcher and a policy together.
func NewClassifier(fetcher Fetcher, policy Policy, userAgent string) *Classifier {
	return &Classifier{fetcher: fetcher, policy: policy, userAgent: userAgent}
}

// Classify fetches rawURL once and returns the discovered hop.
func (c *Classifier) Classify(ctx context.Context, rawURL string, timeout time.Duration) Hop {
	start := time.Now()
	res, err := c.fetcher.Fetch(ctx, Normalize(rawURL), timeout, c.userAgent)
	metrics.ObserveFetch(rawURL, time.Since(start))
	if err != nil {
		return Hop{Source: rawURL, Kind: KindError, Err: err}
	}

	if res.RedirectURL != "" {
		return c.resolved(rawURL, res.RedirectURL, KindHTTP, res.Body)
	}

	if target, ok := FindMetaRefresh(res.Body); ok {
		return c.resolved(rawURL, resolveAgainst(rawURL, target), KindMetaRefresh, res.Body)
	}
	return Hop{Source: rawURL, Kind: KindNone, Body: res.Body}
}

func (c *Classifier) resolved(source, target string, kind Kind, body string) Hop {
	if c.policy.IsTrustedTerminal(target) {
		return Hop{Source: source, Kind: KindNone, Body: body}
	}
	return Hop{Source: source, Target: c.policy.RewriteAppStore(target), Kind: kind, Body: body}
}

// FindMetaRefresh extracts the target of the first meta-refresh tag in body.
// A quoted target runs to its closing quote and may contain spaces.
func FindMetaRefresh(body string) (string, bool) {
	for _, tag := range metaTag.FindAllString(body, -1) {
		if !httpEquivRefresh.MatchString(tag) {
			continue
		}
		if target := refreshTarget(tag); target != "" {
			return target, true
		}
	}
	return "", false
}

func refreshTarget(tag string) string {
	m := contentAttr.FindStringSubmatch(tag)
	if m == nil {
		return ""
	}
	content := m[1] + m[2] + m[3]
	u := refreshURL.FindStringSubmatch(content)
	if u == nil {
		return ""
	}
	target := strings.TrimSpace(u[1])
	if target != "" && (target[0] == '\'' || target[0] == '"') {
		quote := target[0]
		target = target[1:]
		if end := strings.IndexByte(target, quote); end >= 0 {
			target = target[:end]
		}
	}
	return strings.TrimSpace(target)
}

func resolveAgainst(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
