package tiercache

import (
	"net/http"
	"net/url"
	"strings"
)

// Tier is the handling path chosen for a request before any cache or
// network access.
type Tier int

const (
	TierBypass Tier = iota
	TierNavigation
	TierImage
	TierStatic
	TierDynamic
)

func (t Tier) String() string {
	switch t {
	case TierBypass:
		return "bypass"
	case TierNavigation:
		return "navigation"
	case TierImage:
		return "image"
	case TierStatic:
		return "static"
	case TierDynamic:
		return "dynamic"
	}
	return "unknown"
}

var defaultStaticExtensions = []string{".css", ".js", ".woff", ".woff2"}

// Selector classifies requests into tiers. Rules are evaluated in order and
// the first match wins; the last rule always matches.
type Selector struct {
	origin        *url.URL
	staticExts    []string
	bypassCookies map[string]struct{}
}

func NewSelector(origin *url.URL, staticExts []string) *Selector {
	if len(staticExts) == 0 {
		staticExts = defaultStaticExtensions
	}
	exts := make([]string, 0, len(staticExts))
	for _, e := range staticExts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return &Selector{origin: origin, staticExts: exts}
}

// BypassWhenCookies makes requests carrying any of the named cookies skip
// the cache entirely.
func (s *Selector) BypassWhenCookies(names ...string) *Selector {
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if s.bypassCookies == nil {
			s.bypassCookies = make(map[string]struct{}, len(names))
		}
		s.bypassCookies[n] = struct{}{}
	}
	return s
}

func (s *Selector) Classify(req *Request) Tier {
	if req.Method != http.MethodGet {
		return TierBypass
	}
	if !s.sameOrigin(req.URL) {
		return TierBypass
	}
	if s.personalized(req.Header) {
		return TierBypass
	}
	if req.Mode == "navigate" {
		return TierNavigation
	}
	if req.Destination == "image" {
		return TierImage
	}
	if s.isStaticAsset(req.URL.Path) {
		return TierStatic
	}
	return TierDynamic
}

func (s *Selector) sameOrigin(u *url.URL) bool {
	if s.origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, s.origin.Scheme) && strings.EqualFold(u.Host, s.origin.Host)
}

// personalized reports whether the answer may depend on who is asking.
func (s *Selector) personalized(h http.Header) bool {
	if h.Get("Authorization") != "" {
		return true
	}
	if len(s.bypassCookies) == 0 {
		return false
	}
	r := http.Request{Header: h}
	for _, c := range r.Cookies() {
		if _, ok := s.bypassCookies[c.Name]; ok {
			return true
		}
	}
	return false
}

func (s *Selector) isStaticAsset(path string) bool {
	p := strings.ToLower(path)
	for _, e := range s.staticExts {
		if strings.HasSuffix(p, e) {
			return true
		}
	}
	return false
}
