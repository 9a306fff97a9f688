package attendsync

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = "https://school.test"
	cfg.Storage.Dir = t.TempDir()
	require.NoError(t, cfg.compile())
	return &cfg
}

func TestClassify(t *testing.T) {
	cfg := routerConfig(t)

	tests := []struct {
		name    string
		method  string
		url     string
		headers map[string]string

		strategy   Strategy
		tier       Tier
		capture    bool
		cacheWrite bool
	}{
		{name: "attendance post", method: "POST", url: "/api/attendance/save",
			strategy: StrategyAttendanceWrite, capture: true},
		{name: "attendance put", method: "PUT", url: "/instructor/attendance/12",
			strategy: StrategyAttendanceWrite, capture: true},
		{name: "attendance delete is not captured", method: "DELETE", url: "/api/attendance/12",
			strategy: StrategyAttendanceWrite},
		{name: "other write", method: "POST", url: "/api/users",
			strategy: StrategyPassthroughWrite},
		{name: "navigation via fetch metadata", method: "GET", url: "/student/dashboard",
			headers:  map[string]string{"Sec-Fetch-Mode": "navigate"},
			strategy: StrategyNavigate, tier: TierDynamic, cacheWrite: true},
		{name: "navigation via accept", method: "GET", url: "/admin/view-attendance",
			headers:  map[string]string{"Accept": "text/html,application/xhtml+xml"},
			strategy: StrategyNavigate, tier: TierDynamic, cacheWrite: true},
		{name: "cors fetch of html is not a navigation", method: "GET", url: "/partials/row.html",
			headers:  map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"},
			strategy: StrategyOtherRead, tier: TierData, cacheWrite: true},
		{name: "known api route", method: "GET", url: "/api/classes?page=2",
			strategy: StrategyDataRead, tier: TierData, cacheWrite: true},
		{name: "unknown api route", method: "GET", url: "/api/reports",
			strategy: StrategyDataRead, tier: TierData},
		{name: "static prefix", method: "GET", url: "/static/js/main.js",
			strategy: StrategyStaticAsset, tier: TierStatic, cacheWrite: true},
		{name: "manifest entry outside static prefix", method: "GET", url: "/manifest.json",
			strategy: StrategyStaticAsset, tier: TierStatic, cacheWrite: true},
		{name: "cdn asset", method: "GET", url: "https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
			strategy: StrategyStaticAsset, tier: TierStatic, cacheWrite: true},
		{name: "cdn write", method: "POST", url: "https://cdn.jsdelivr.net/collect",
			strategy: StrategyPassthroughWrite},
		{name: "foreign origin", method: "GET", url: "https://maps.example.com/tile.png",
			strategy: StrategyCrossOrigin},
		{name: "foreign attendance post", method: "POST", url: "https://other.test/api/attendance/save",
			strategy: StrategyCrossOrigin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.url, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got := Classify(r, cfg)
			assert.Equal(t, tt.strategy, got.Strategy)
			assert.Equal(t, tt.tier, got.Tier)
			assert.Equal(t, tt.capture, got.Capture)
			assert.Equal(t, tt.cacheWrite, got.CacheWrite)
			require.NotNil(t, got.Target)
		})
	}
}

func TestClassifyResolvesAgainstOrigin(t *testing.T) {
	cfg := routerConfig(t)
	r := httptest.NewRequest(http.MethodGet, "/api/classes?page=2", nil)
	got := Classify(r, cfg)
	assert.Equal(t, "https://school.test/api/classes?page=2", got.Target.String())
}

func TestIsImageRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/static/icons/icon.PNG", nil)
	assert.True(t, isImageRequest(r, r.URL))

	r = httptest.NewRequest(http.MethodGet, "/avatar", nil)
	r.Header.Set("Sec-Fetch-Dest", "image")
	assert.True(t, isImageRequest(r, r.URL))

	r = httptest.NewRequest(http.MethodGet, "/static/js/main.js", nil)
	assert.False(t, isImageRequest(r, r.URL))
}
