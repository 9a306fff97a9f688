package attendsync

import (
	"net/http"
	"net/url"
	"strings"
)

// Strategy tags the request class chosen by Classify.
type Strategy string

const (
	StrategyNavigate         Strategy = "navigate"
	StrategyStaticAsset      Strategy = "static-asset"
	StrategyDataRead         Strategy = "data-read"
	StrategyAttendanceWrite  Strategy = "attendance-write"
	StrategyPassthroughWrite Strategy = "passthrough-write"
	StrategyOtherRead        Strategy = "other-read"

	// StrategyCrossOrigin marks requests to foreign origins other than the
	// CDN. They bypass every strategy and are never cached.
	StrategyCrossOrigin Strategy = "cross-origin"
)

// Classified is the outcome of routing one intercepted request.
type Classified struct {
	Strategy Strategy
	// Tier is the cache the strategy reads and writes; TierNone for writes.
	Tier Tier
	// Capture is set when a transport failure should be captured to the outbox.
	Capture bool
	// Target is the absolute URL the request is forwarded to.
	Target *url.URL
	// CacheWrite is false when the strategy may read its tier but must not
	// store responses (unknown API routes).
	CacheWrite bool
}

// Classify resolves r against the origin and applies the routing rules in
// order: cross-origin bypass, attendance writes, other writes, navigations,
// API reads, static assets, everything else.
func Classify(r *http.Request, cfg *Config) Classified {
	target := resolveTarget(r, cfg)
	sameOrigin := sameHost(target, cfg.origin)
	cdn := cfg.cdn != nil && sameHost(target, cfg.cdn)
	path := target.Path

	if !sameOrigin && !cdn {
		return Classified{Strategy: StrategyCrossOrigin, Target: target}
	}

	if r.Method != http.MethodGet {
		if sameOrigin && isAttendancePath(path, cfg) {
			return Classified{
				Strategy: StrategyAttendanceWrite,
				Target:   target,
				Capture:  r.Method == http.MethodPost || r.Method == http.MethodPut,
			}
		}
		return Classified{Strategy: StrategyPassthroughWrite, Target: target}
	}

	if cdn {
		return Classified{Strategy: StrategyStaticAsset, Tier: TierStatic, Target: target, CacheWrite: true}
	}
	if isNavigation(r) {
		return Classified{Strategy: StrategyNavigate, Tier: TierDynamic, Target: target, CacheWrite: true}
	}
	if strings.HasPrefix(path, cfg.Cache.APIPrefix) {
		return Classified{Strategy: StrategyDataRead, Tier: TierData, Target: target, CacheWrite: isKnownAPIRoute(path, cfg)}
	}
	if isStaticPath(path, cfg) {
		return Classified{Strategy: StrategyStaticAsset, Tier: TierStatic, Target: target, CacheWrite: true}
	}
	return Classified{Strategy: StrategyOtherRead, Tier: TierData, Target: target, CacheWrite: true}
}

// resolveTarget returns the absolute URL a request is destined for.
// Absolute-form requests (forward proxy use) keep their own host.
func resolveTarget(r *http.Request, cfg *Config) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	u := *cfg.origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func isAttendancePath(path string, cfg *Config) bool {
	if cfg.Attendance.APIPrefix != "" && strings.HasPrefix(path, cfg.Attendance.APIPrefix) {
		return true
	}
	return cfg.Attendance.PathContains != "" && strings.Contains(path, cfg.Attendance.PathContains)
}

func isNavigation(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	if r.Header.Get("Sec-Fetch-Mode") != "" {
		return false
	}
	// Clients without fetch metadata: a document request leads with text/html.
	accept := strings.TrimSpace(r.Header.Get("Accept"))
	return strings.HasPrefix(accept, "text/html")
}

func isKnownAPIRoute(path string, cfg *Config) bool {
	for _, p := range cfg.Cache.APIRoutes {
		if path == p || strings.HasPrefix(path, strings.TrimRight(p, "/")+"/") {
			return true
		}
	}
	return false
}

func isStaticPath(path string, cfg *Config) bool {
	if _, ok := cfg.staticPaths[path]; ok {
		return true
	}
	for _, p := range cfg.Cache.StaticPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// cacheKey is the URL a response is stored under: absolute, without fragment.
func cacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

func isImageRequest(r *http.Request, target *url.URL) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "image") {
		return true
	}
	if strings.HasPrefix(r.Header.Get("Accept"), "image/") {
		return true
	}
	p := strings.ToLower(target.Path)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico"} {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}
