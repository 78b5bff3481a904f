package redirect

import (
	"strings"

	"golang.org/x/net/idna"
)

const upperhex = "0123456789ABCDEF"

var hostProfile = idna.New(idna.VerifyDNSLength(true))

// Normalize returns a transport-safe form of raw: the host is IDNA encoded,
// unsafe path bytes are percent-escaped and spaces in params and query become
// '+'. Normalization is best-effort: when the host cannot be encoded the
// input is returned unchanged. The empty string is returned as is.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	p := splitURL(raw)
	if p.netloc != "" {
		netloc, err := encodeNetloc(p.netloc)
		if err != nil {
			return raw
		}
		p.netloc = netloc
	}
	p.path = quote(p.path, "/%", false)
	if p.hasParams {
		p.params = quote(p.params, ":&%=", true)
	}
	if p.hasQuery {
		p.query = quote(p.query, ":&%=+/", true)
	}
	if p.hasFragment {
		p.fragment = quote(p.fragment, "/%:?=&", false)
	}
	return p.String()
}

type urlParts struct {
	scheme    string
	hasNetloc bool
	netloc    string
	path      string
	params    string
	query     string
	fragment  string

	hasParams   bool
	hasQuery    bool
	hasFragment bool
}

func splitURL(raw string) urlParts {
	var p urlParts
	rest := raw
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		p.fragment, p.hasFragment = rest[i+1:], true
		rest = rest[:i]
	}
	if i := schemeEnd(rest); i > 0 {
		p.scheme = rest[:i]
		rest = rest[i+1:]
	}
	if strings.HasPrefix(rest, "//") {
		p.hasNetloc = true
		rest = rest[2:]
		end := strings.IndexAny(rest, "/?")
		if end < 0 {
			end = len(rest)
		}
		p.netloc = rest[:end]
		rest = rest[end:]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		p.query, p.hasQuery = rest[i+1:], true
		rest = rest[:i]
	}
	// Params only ever belong to the last path segment.
	lastSlash := strings.LastIndexByte(rest, '/')
	if i := strings.IndexByte(rest[lastSlash+1:], ';'); i >= 0 {
		i += lastSlash + 1
		p.params, p.hasParams = rest[i+1:], true
		rest = rest[:i]
	}
	p.path = rest
	return p
}

func (p urlParts) String() string {
	var b strings.Builder
	if p.scheme != "" {
		b.WriteString(p.scheme)
		b.WriteByte(':')
	}
	if p.hasNetloc {
		b.WriteString("//")
		b.WriteString(p.netloc)
	}
	b.WriteString(p.path)
	if p.hasParams {
		b.WriteByte(';')
		b.WriteString(p.params)
	}
	if p.hasQuery {
		b.WriteByte('?')
		b.WriteString(p.query)
	}
	if p.hasFragment {
		b.WriteByte('#')
		b.WriteString(p.fragment)
	}
	return b.String()
}

// schemeEnd returns the index of the ':' terminating a valid scheme, or -1.
func schemeEnd(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9' || c == '+' || c == '-' || c == '.':
			if i == 0 {
				return -1
			}
		case c == ':':
			return i
		default:
			return -1
		}
	}
	return -1
}

// encodeNetloc IDNA-encodes the host part of userinfo@host:port.
func encodeNetloc(netloc string) (string, error) {
	userinfo, hostport := "", netloc
	if i := strings.LastIndexByte(netloc, '@'); i >= 0 {
		userinfo, hostport = netloc[:i+1], netloc[i+1:]
	}
	if strings.HasPrefix(hostport, "[") {
		return netloc, nil
	}
	host, port := hostport, ""
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host, port = hostport[:i], hostport[i:]
	}
	if host == "" {
		return netloc, nil
	}
	encoded, err := hostProfile.ToASCII(host)
	if err != nil {
		return "", err
	}
	return userinfo + encoded + port, nil
}

func shouldEscape(c byte, safe string) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return false
	case c == '_' || c == '.' || c == '-' || c == '~':
		return false
	}
	return strings.IndexByte(safe, c) < 0
}

// quote percent-escapes every byte outside the unreserved set and safe. With
// plus set, spaces become '+'.
func quote(s, safe string, plus bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case plus && c == ' ':
			b.WriteByte('+')
		case shouldEscape(c, safe):
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
