package attendsync

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// networkFirst tries the origin, caching OK responses in the tier. On a
// transport failure it falls back to the tier, then to the offline page for
// navigations or a synthetic 503 for everything else. HTTP error statuses from
// the origin are passed through and never trigger a fallback.
func (s *Service) networkFirst(w http.ResponseWriter, r *http.Request, cl Classified) string {
	ent, err := s.forward(r.Context(), r, cl.Target, nil)
	if err == nil {
		if cl.CacheWrite {
			s.cachePut(r, cl, ent)
		}
		writeEntry(w, ent, "network")
		return "network"
	}

	if cached, ok := s.caches.Match(s.cfg.CacheName(cl.Tier), cacheKey(cl.Target)); ok {
		writeEntry(w, cached, "cache")
		return "cache"
	}

	switch cl.Strategy {
	case StrategyNavigate:
		if page, ok := s.offlinePage(); ok {
			writeEntry(w, page, "offline-page")
			return "offline-page"
		}
	case StrategyDataRead:
		writeOfflineAPIError(w)
		return "offline"
	}
	setWorkerHeaders(w.Header(), "offline")
	http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
	return "offline"
}

// cacheFirst serves the static tier, filling it from the network on a miss.
func (s *Service) cacheFirst(w http.ResponseWriter, r *http.Request, cl Classified) string {
	name := s.cfg.CacheName(TierStatic)
	if cached, ok := s.caches.Match(name, cacheKey(cl.Target)); ok {
		writeEntry(w, cached, "cache")
		return "cache"
	}

	ent, err := s.forward(r.Context(), r, cl.Target, nil)
	if err == nil {
		s.cachePut(r, cl, ent)
		writeEntry(w, ent, "network")
		return "network"
	}

	if isImageRequest(r, cl.Target) && s.cfg.Cache.Placeholder != "" {
		if ph, ok := s.caches.Match(name, s.resolve(s.cfg.Cache.Placeholder)); ok {
			writeEntry(w, ph, "placeholder")
			return "placeholder"
		}
	}
	setWorkerHeaders(w.Header(), "offline")
	http.Error(w, "Offline - asset not cached", http.StatusServiceUnavailable)
	return "offline"
}

func (s *Service) offlinePage() (CacheEntry, bool) {
	return s.caches.Match(s.cfg.CacheName(TierStatic), s.resolve(s.cfg.Cache.OfflinePage))
}

// resolve turns a manifest or route entry into the absolute URL used as its
// cache key. Absolute entries (CDN bundles) are kept as-is.
func (s *Service) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return cacheKey(s.cfg.origin.ResolveReference(u))
}

func writeJSON(w http.ResponseWriter, status int, v any, source string) {
	setWorkerHeaders(w.Header(), source)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type offlineAPIError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Offline   bool   `json:"offline"`
	Timestamp string `json:"timestamp"`
}

func writeOfflineAPIError(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, offlineAPIError{
		Error:     "Offline",
		Message:   "You are offline and this data is not available in the cache.",
		Offline:   true,
		Timestamp: formatTimestamp(time.Now()),
	}, "offline")
}
