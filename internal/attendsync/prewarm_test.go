package attendsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sitemapOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>`+srv.URL+`/pages.xml.gz</loc></sitemap>
  <sitemap><loc>/sitemap.xml</loc></sitemap>
</sitemapindex>`)
	})
	mux.HandleFunc("GET /pages.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = io.WriteString(gz, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>`+srv.URL+`/student/dashboard</loc></url>
  <url><loc>/instructor/dashboard</loc></url>
  <url><loc>`+srv.URL+`/api/users</loc></url>
  <url><loc>https://elsewhere.test/about</loc></url>
</urlset>`)
		_ = gz.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(buf.Bytes())
	})
	mux.HandleFunc("GET /student/dashboard", htmlPage("student"))
	mux.HandleFunc("GET /instructor/dashboard", htmlPage("instructor"))
	mux.HandleFunc("GET /broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPrewarmRoutesFromSitemaps(t *testing.T) {
	srv := sitemapOrigin(t)
	cfg := testConfig(t, srv.URL)
	cfg.Prewarm.Routes = []string{"/student/dashboard", "/broken"}
	cfg.Prewarm.Sitemaps = []string{"/sitemap.xml"}
	svc := newTestService(t, cfg, newSwitchFetcher())

	routes := svc.prewarmRoutes(context.Background())
	assert.Equal(t, []string{"/broken", "/instructor/dashboard", "/student/dashboard"}, routes)

	stored, failed := svc.prewarm(context.Background())
	assert.Equal(t, 2, stored)
	assert.Equal(t, 1, failed)

	name := svc.cfg.CacheName(TierDynamic)
	ent, ok := svc.caches.Match(name, svc.resolve("/instructor/dashboard"))
	require.True(t, ok)
	assert.Equal(t, "instructor", string(ent.Body))
	assert.False(t, svc.caches.Has(name, svc.resolve("/broken")))
}

func TestPrewarmToleratesMissingSitemap(t *testing.T) {
	srv := sitemapOrigin(t)
	cfg := testConfig(t, srv.URL)
	cfg.Prewarm.Routes = []string{"/student/dashboard"}
	cfg.Prewarm.Sitemaps = []string{"/nope.xml"}
	svc := newTestService(t, cfg, newSwitchFetcher())

	assert.Equal(t, []string{"/student/dashboard"}, svc.prewarmRoutes(context.Background()))
}
