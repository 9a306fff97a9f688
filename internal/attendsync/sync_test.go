package attendsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replayHit struct {
	method string
	path   string
	body   string
	header http.Header
}

// replayOrigin serves a token page at / and hands every other request to fn.
func replayOrigin(t *testing.T, fn http.HandlerFunc) (*httptest.Server, func() []replayHit) {
	t.Helper()
	var (
		mu   sync.Mutex
		hits []replayHit
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_, _ = io.WriteString(w, `<meta name="csrf-token" content="tok-1">`)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		hits = append(hits, replayHit{method: r.Method, path: r.URL.Path, body: string(b), header: r.Header.Clone()})
		mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(b))
		fn(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []replayHit {
		mu.Lock()
		defer mu.Unlock()
		return append([]replayHit(nil), hits...)
	}
}

func newTestEngine(t *testing.T, origin string, client Fetcher, mutate func(*Config)) (*SyncEngine, *LevelOutbox) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = origin
	cfg.Storage.Dir = t.TempDir()
	cfg.Sync.FailurePause = "0s"
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.compile())
	ob := openTestOutbox(t, filepath.Join(cfg.Storage.Dir, OutboxDBName), 0)
	if client == nil {
		client = http.DefaultClient
	}
	return newSyncEngine(&cfg, ob, client, zerolog.Nop(), newMetrics()), ob
}

func enqueue(t *testing.T, ob Outbox, m PendingMutation) PendingMutation {
	t.Helper()
	stored, err := ob.Append(context.Background(), m)
	require.NoError(t, err)
	return stored
}

func TestCandidateMethods(t *testing.T) {
	assert.Equal(t, []string{"POST", "PUT", "PATCH", "GET"}, candidateMethods("POST"))
	assert.Equal(t, []string{"PUT", "PATCH", "POST", "GET"}, candidateMethods("put"))
	assert.Equal(t, []string{"PUT", "PATCH", "POST", "GET"}, candidateMethods(""))
	assert.Equal(t, []string{"DELETE", "PUT", "PATCH", "POST", "GET"}, candidateMethods("DELETE"))
}

func TestCandidateURLs(t *testing.T) {
	e, _ := newTestEngine(t, "https://school.test", nil, nil)
	got := e.candidateURLs("https://school.test/api/attendance/save")
	assert.Equal(t, []string{
		"https://school.test/api/attendance/save",
		"https://school.test/api/attendance/batch",
		"https://school.test/api/admin/attendance/save",
		"https://school.test/api/admin/attendance",
	}, got)

	// Records captured on another host replay against that host.
	got = e.candidateURLs("https://old.school.test/instructor/attendance/7")
	assert.Equal(t, "https://old.school.test/instructor/attendance/7", got[0])
	assert.Equal(t, "https://old.school.test/api/attendance/save", got[1])
}

func TestAdminPayload(t *testing.T) {
	e, _ := newTestEngine(t, "https://school.test", nil, func(c *Config) {
		c.Sync.AdminTransform = true
		c.Sync.AdminID = "admin-7"
	})
	e.now = func() time.Time { return time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC) }

	out := e.adminPayload(`{"class_id":"c1","records":[{"student_id":"s1","status":"Present"}]}`)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "c1", got["class_id"])
	assert.Equal(t, "2025-01-15", got["date"])
	assert.Equal(t, "admin-7", got["admin_id"])
	assert.Len(t, got["records"], 1)

	withDate := `{"class_id":"c1","date":"2024-12-01","records":[]}`
	require.NoError(t, json.Unmarshal([]byte(e.adminPayload(withDate)), &got))
	assert.Equal(t, "2024-12-01", got["date"])

	already := `{"class_id":"c1","date":"2024-12-01","admin_id":"x","records":[]}`
	assert.Equal(t, already, e.adminPayload(already))
	assert.Equal(t, "not json", e.adminPayload("not json"))
	assert.Equal(t, `{"other":1}`, e.adminPayload(`{"other":1}`))
}

func TestReplayOnlyTransformsForAdminEndpoints(t *testing.T) {
	srv, hits := replayOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/admin/attendance/save" {
			return
		}
		http.NotFound(w, r)
	})
	e, ob := newTestEngine(t, srv.URL, nil, func(c *Config) { c.Sync.AdminTransform = true })
	body := `{"class_id":"c1","records":[]}`
	enqueue(t, ob, PendingMutation{URL: srv.URL + "/api/attendance/save", Method: "POST", Body: body})

	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	all := hits()
	last := all[len(all)-1]
	assert.Equal(t, "/api/admin/attendance/save", last.path)
	assert.Contains(t, last.body, `"admin_id"`)
	for _, h := range all[:len(all)-1] {
		assert.Equal(t, body, h.body, "%s %s", h.method, h.path)
	}
}

func TestReplayGetCarriesNoBody(t *testing.T) {
	srv, hits := replayOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "nope", http.StatusMethodNotAllowed)
		}
	})
	e, ob := newTestEngine(t, srv.URL, nil, func(c *Config) { c.Sync.FallbackEndpoints = nil })

	// With a body, GET is never tried.
	enqueue(t, ob, PendingMutation{URL: srv.URL + "/api/attendance/save", Method: "POST", Body: "{}",
		Headers: []Header{{Name: "Content-Type", Value: "application/json"}}})
	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	for _, h := range hits() {
		assert.NotEqual(t, http.MethodGet, h.method)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, res.Errors[0].Status)

	// Without one, GET is the last resort and goes out bare.
	recs, err := ob.List(context.Background())
	require.NoError(t, err)
	require.NoError(t, ob.Delete(context.Background(), recs[0].Timestamp))
	enqueue(t, ob, PendingMutation{URL: srv.URL + "/api/attendance/ping", Method: "POST",
		Headers: []Header{{Name: "Content-Type", Value: "application/json"}}})
	res, err = e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	all := hits()
	get := all[len(all)-1]
	assert.Equal(t, http.MethodGet, get.method)
	assert.Empty(t, get.body)
	assert.Empty(t, get.header.Get("Content-Type"))
}

func TestReplaySubstitutesCSRFToken(t *testing.T) {
	srv, hits := replayOrigin(t, func(w http.ResponseWriter, r *http.Request) {})
	e, ob := newTestEngine(t, srv.URL, nil, nil)
	stored := enqueue(t, ob, PendingMutation{
		ID:     "3b1f7c9e-0000-4000-8000-000000000001",
		URL:    srv.URL + "/api/attendance/save",
		Method: "POST",
		Body:   "{}",
		Headers: []Header{
			{Name: "X-CSRF-Token", Value: "old"},
			{Name: "X-Requested-With", Value: "XMLHttpRequest"},
			{Name: "Connection", Value: "keep-alive"},
		},
	})

	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	all := hits()
	require.Len(t, all, 1)
	h := all[0].header
	assert.Equal(t, "tok-1", h.Get("X-CSRF-Token"))
	assert.Equal(t, "XMLHttpRequest", h.Get("X-Requested-With"))
	assert.Equal(t, stored.ID, h.Get("Idempotency-Key"))
}

func TestDrainKeepsCapturedTokenWhenRefreshFails(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		got.Store(r.Header.Get("X-CSRFToken"))
	}))
	t.Cleanup(srv.Close)
	e, ob := newTestEngine(t, srv.URL, nil, nil)
	enqueue(t, ob, PendingMutation{URL: srv.URL + "/api/attendance/save", Method: "POST", Body: "{}",
		Headers: []Header{{Name: "X-CSRFToken", Value: "captured"}}})

	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, "captured", got.Load())
}

func TestDrainPausesAfterFailedBatch(t *testing.T) {
	srv, _ := replayOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if string(b) == "bad" {
			http.Error(w, "rejected", http.StatusUnprocessableEntity)
		}
	})
	e, ob := newTestEngine(t, srv.URL, nil, func(c *Config) {
		c.Sync.BatchSize = 2
		c.Sync.FailurePause = "2s"
	})
	var pauses []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}
	for _, body := range []string{"bad", "ok", "ok", "bad", "ok"} {
		enqueue(t, ob, PendingMutation{URL: srv.URL + "/api/attendance/save", Method: "POST", Body: body})
	}

	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Pending)
	// Batches: [bad ok] pause [ok bad] pause [ok]. No pause after the last batch.
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, pauses)
	for _, se := range res.Errors {
		assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
		assert.Equal(t, "rejected", se.Message)
	}
}

type failingFetcher struct{ calls atomic.Int32 }

func (f *failingFetcher) Do(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errNetworkDown
}

func TestDrainStopsCandidatesOnTransportError(t *testing.T) {
	f := &failingFetcher{}
	e, ob := newTestEngine(t, "https://school.test", f, nil)
	for i := 0; i < 2; i++ {
		enqueue(t, ob, PendingMutation{URL: "https://school.test/api/attendance/save", Method: "POST", Body: "{}"})
	}

	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Pending)
	assert.False(t, res.Success)
	// One token refresh, then one attempt per record.
	assert.Equal(t, int32(3), f.calls.Load())
	for _, se := range res.Errors {
		assert.Zero(t, se.Status)
		assert.Contains(t, se.Message, "unreachable")
	}
}

func TestDrainErrorMessagesAreTruncated(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'e'
	}
	srv, _ := replayOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write(long)
	})
	e, ob := newTestEngine(t, srv.URL, nil, func(c *Config) { c.Sync.FallbackEndpoints = nil })
	enqueue(t, ob, PendingMutation{URL: srv.URL + "/api/attendance/save", Method: "POST", Body: "{}"})

	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Len(t, res.Errors[0].Message, maxErrorMessage)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("abé", 3))
	assert.Equal(t, "abé", truncate("abéd", 4))
	assert.Equal(t, "", truncate("日本", 2))

	msg := truncate("x"+strings.Repeat("é", 150), maxErrorMessage)
	assert.True(t, utf8.ValidString(msg))
	assert.LessOrEqual(t, len(msg), maxErrorMessage)
	assert.Equal(t, maxErrorMessage-1, len(msg))
}

type brokenOutbox struct{ Outbox }

func (brokenOutbox) List(context.Context) ([]PendingMutation, error) {
	return nil, ErrCorrupted
}

func TestDrainFailsWhenOutboxUnreadable(t *testing.T) {
	e, ob := newTestEngine(t, "https://school.test", nil, nil)
	e.outbox = brokenOutbox{ob}
	_, err := e.Drain(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupted))
}

func TestReplayLimiterConfigured(t *testing.T) {
	e, _ := newTestEngine(t, "https://school.test", nil, func(c *Config) { c.Sync.ReplayRPS = 0.5 })
	require.NotNil(t, e.limiter)
	assert.Equal(t, 1, e.limiter.Burst())

	e, _ = newTestEngine(t, "https://school.test", nil, nil)
	assert.Nil(t, e.limiter)
}
