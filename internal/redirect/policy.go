package redirect

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Default policy data. Membership of these lists is a business decision and
// is normally overridden from configuration.
var (
	DefaultTrustedTerminalPatterns = []string{
		`^http://.+\.odnoklassniki\.ru/.*st\.cmd=outLinkWarning`,
	}
	// DefaultDeadEndPatterns match lower-cased host names.
	DefaultDeadEndPatterns = []string{
		`(^|\.)odnoklassniki\.ru$`,
		`(^|\.)mail\.ru$`,
	}
)

const (
	DefaultAppStoreScheme  = "market://"
	DefaultAppStoreWebBase = "http://play.google.com/store/apps/"
)

// Policy holds the pattern lists consulted while walking a chain.
type Policy struct {
	// TrustedTerminal targets are final even when reached through a redirect.
	TrustedTerminal []*regexp.Regexp
	// DeadEnds match the lower-cased host of URLs at which walking stops
	// without fetching further.
	DeadEnds []*regexp.Regexp
	// AppStoreScheme is rewritten to AppStoreWebBase.
	AppStoreScheme  string
	AppStoreWebBase string
}

// NewPolicy compiles the given pattern lists.
func NewPolicy(trusted, deadEnds []string, appStoreScheme, appStoreWebBase string) (Policy, error) {
	p := Policy{AppStoreScheme: appStoreScheme, AppStoreWebBase: appStoreWebBase}
	var err error
	if p.TrustedTerminal, err = compileAll(trusted); err != nil {
		return Policy{}, fmt.Errorf("trusted terminal patterns: %w", err)
	}
	if p.DeadEnds, err = compileAll(deadEnds); err != nil {
		return Policy{}, fmt.Errorf("dead-end patterns: %w", err)
	}
	return p, nil
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	p, err := NewPolicy(DefaultTrustedTerminalPatterns, DefaultDeadEndPatterns,
		DefaultAppStoreScheme, DefaultAppStoreWebBase)
	if err != nil {
		panic(err)
	}
	return p
}

// IsTrustedTerminal reports whether target must be treated as a final page.
func (p Policy) IsTrustedTerminal(target string) bool {
	return matchAny(p.TrustedTerminal, target)
}

// IsDeadEnd reports whether u points at a host that must not be walked further.
// URLs without a parseable host are never dead ends.
func (p Policy) IsDeadEnd(u string) bool {
	host := hostOf(u)
	if host == "" {
		return false
	}
	return matchAny(p.DeadEnds, host)
}

func hostOf(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
}

// RewriteAppStore replaces an app-store deep-link scheme with its web base.
func (p Policy) RewriteAppStore(target string) string {
	if p.AppStoreScheme == "" || !strings.HasPrefix(target, p.AppStoreScheme) {
		return target
	}
	return strings.Replace(target, p.AppStoreScheme, p.AppStoreWebBase, 1)
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pat, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
