package strategy

import (
	"net/http"
	"path"
	"strings"

	"shell0/internal/cachestore"
	"shell0/internal/config"
)

type Strategy string

const (
	Bypass               Strategy = "bypass"
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkOnly          Strategy = "network-only"
	CacheOnly            Strategy = "cache-only"
)

// Kind refines the fallback used when a strategy runs out of options.
type Kind string

const (
	KindDefault    Kind = ""
	KindImage      Kind = "image"
	KindNavigation Kind = "navigation"
	KindAPI        Kind = "api"
)

// Decision is the result of classifying one request.
type Decision struct {
	Strategy Strategy
	Role     cachestore.Role
	Kind     Kind
}

// Selector classifies requests by URL shape. It is pure and safe for
// concurrent use.
type Selector struct {
	routes config.Routes
}

func NewSelector(routes config.Routes) *Selector {
	r := routes
	r.StaticExtensions = lowerAll(routes.StaticExtensions)
	r.ImageExtensions = lowerAll(routes.ImageExtensions)
	return &Selector{routes: r}
}

func (s *Selector) Select(r *http.Request) Decision {
	return s.Classify(r.Method, r.URL.Path, IsNavigation(r))
}

// Classify applies the rules in priority order; the first match wins.
func (s *Selector) Classify(method, urlPath string, navigation bool) Decision {
	if method != http.MethodGet {
		return Decision{Strategy: Bypass}
	}

	ext := strings.ToLower(path.Ext(urlPath))

	if hasAnyPrefix(urlPath, s.routes.StaticPrefixes) || contains(s.routes.StaticExtensions, ext) {
		return Decision{Strategy: CacheFirst, Role: cachestore.RoleStatic}
	}
	if strings.HasPrefix(urlPath, s.routes.APIPrefix) {
		return Decision{Strategy: NetworkFirst, Role: cachestore.RoleAPI, Kind: KindAPI}
	}
	if contains(s.routes.ImageExtensions, ext) {
		return Decision{Strategy: CacheFirst, Role: cachestore.RoleDynamic, Kind: KindImage}
	}
	if navigation {
		return Decision{Strategy: NetworkFirst, Role: cachestore.RoleDynamic, Kind: KindNavigation}
	}
	return Decision{Strategy: StaleWhileRevalidate, Role: cachestore.RoleDynamic}
}

// IsNavigation reports a top-level document load: either the browser said so
// via Sec-Fetch-Mode, or an older client asked for HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if pre != "" && strings.HasPrefix(p, pre) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ToLower(v)
	}
	return out
}
