package attendsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// prewarm fetches the declared navigation routes, plus any same-origin
// routes listed in the configured sitemaps, into the dynamic tier.
// Fetches run concurrently and individual failures are tolerated.
func (s *Service) prewarm(ctx context.Context) (stored int, failed int) {
	routes := s.prewarmRoutes(ctx)
	if len(routes) == 0 {
		return 0, 0
	}
	name := s.cfg.CacheName(TierDynamic)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, route := range routes {
		select {
		case <-ctx.Done():
			wg.Wait()
			return stored, failed + 1
		case s.bgSem <- struct{}{}:
		}
		wg.Add(1)
		go func(route string) {
			defer wg.Done()
			defer func() { <-s.bgSem }()
			ok := s.prewarmOne(ctx, name, route)
			mu.Lock()
			if ok {
				stored++
			} else {
				failed++
			}
			mu.Unlock()
		}(route)
	}
	wg.Wait()
	return stored, failed
}

func (s *Service) prewarmOne(ctx context.Context, cacheName, route string) bool {
	key := s.resolve(route)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Accept-Encoding", "identity")
	ent, err := s.fetch(req)
	if err != nil {
		s.log.Debug().Err(err).Str("route", route).Msg("pre-warm failed")
		return false
	}
	if !isOK(ent.Status) {
		s.log.Debug().Int("status", ent.Status).Str("route", route).Msg("pre-warm skipped")
		return false
	}
	if err := s.caches.Put(cacheName, key, ent); err != nil {
		s.warnLog.Warn(err, "pre-warm cache write failed")
		return false
	}
	return true
}

// prewarmRoutes merges declared routes with sitemap discoveries, deduplicated
// and sorted.
func (s *Service) prewarmRoutes(ctx context.Context) []string {
	set := map[string]struct{}{}
	for _, r := range s.cfg.Prewarm.Routes {
		set[r] = struct{}{}
	}
	if len(s.cfg.Prewarm.Sitemaps) > 0 {
		found, err := s.discoverRoutes(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("pre-warm: sitemap discovery failed")
		}
		for _, r := range found {
			set[r] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// discoverRoutes walks the configured sitemaps (following nested sitemap
// indexes) and returns the same-origin paths they list. Attendance write
// endpoints and API paths are not navigation routes and are skipped.
func (s *Service) discoverRoutes(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Prewarm.Sitemaps))
	for _, sm := range s.cfg.Prewarm.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.resolve(sm))
		}
	}

	var routes []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return routes, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return routes, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, s.resolve(nested))
			}
		}
		for _, loc := range doc.URLs {
			path, ok := s.sameOriginPath(loc)
			if !ok || strings.HasPrefix(path, s.cfg.Cache.APIPrefix) {
				continue
			}
			routes = append(routes, path)
		}
	}
	return routes, nil
}

func (s *Service) sameOriginPath(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	if u.IsAbs() && !sameHost(u, s.cfg.origin) {
		return "", false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p, true
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if !isOK(resp.StatusCode) {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive compressed or already decoded by the transport.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}
