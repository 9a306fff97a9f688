package attendsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

var ErrNotActivated = errors.New("worker generation not activated")

// Service is one worker generation: it owns the cache tiers and the outbox,
// routes every intercepted request and drives the sync engine.
type Service struct {
	cfg Config
	log zerolog.Logger

	httpClient Fetcher

	caches      *CacheStorage
	outbox      Outbox
	closeOutbox func() error

	engine  *SyncEngine
	hub     *hub
	bg      *BackgroundSync
	online  *connectivity
	metrics *metrics

	activated atomic.Bool

	bgSem chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	warnLog *rateLimitedLogger
}

type Option func(*Service)

// WithFetcher replaces the network client used for the origin and the CDN.
func WithFetcher(f Fetcher) Option { return func(s *Service) { s.httpClient = f } }

// WithOutbox replaces the leveldb outbox, e.g. with a fake in tests.
func WithOutbox(o Outbox) Option { return func(s *Service) { s.outbox = o } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.origin == nil {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}

	s := &Service{
		cfg: cfg,
		log: zerolog.Nop(),
		httpClient: &http.Client{
			Timeout: cfg.timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects go back to the page untouched.
				return http.ErrUseLastResponse
			},
		},
		hub:     newHub(),
		online:  newConnectivity(),
		metrics: newMetrics(),
		bgSem:   make(chan struct{}, 16),
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "attendsync").Str("version", cfg.Version).Logger()
	s.warnLog = newRateLimitedLogger(s.log, time.Minute)

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage.dir: %w", err)
	}
	caches, err := openCacheStorage(filepath.Join(cfg.Storage.Dir, "caches"), cfg.ramMax, s.warnLog)
	if err != nil {
		return nil, err
	}
	s.caches = caches

	if s.outbox == nil {
		ob, err := OpenOutbox(filepath.Join(cfg.Storage.Dir, OutboxDBName), cfg.outboxMax)
		if err != nil {
			_ = caches.Close()
			return nil, err
		}
		s.outbox = ob
		s.closeOutbox = ob.Close
	}

	s.engine = newSyncEngine(&s.cfg, s.outbox, s.httpClient, s.log, s.metrics)
	s.bg = newBackgroundSync(&s.cfg, s.fireSync, s.probe, s.log)
	s.online.onReconnect = s.bg.kick
	return s, nil
}

// Start installs and activates this generation, then starts the background
// loops. Requests are refused until Start has returned.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		return err
	}
	if err := s.Activate(ctx); err != nil {
		return err
	}

	if s.cfg.logStatsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.logStatsEvery)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bg.run(s.stopCh)
	}()
	return nil
}

func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.hub.closeAll()
	_ = s.caches.Close()
	if s.closeOutbox != nil {
		_ = s.closeOutbox()
	}
}

// Outbox exposes the outbox, mainly for diagnostics.
func (s *Service) Outbox() Outbox { return s.outbox }

// handle is the fetch interceptor: classify, then apply the strategy.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if !s.activated.Load() {
		setWorkerHeaders(w.Header(), "not-activated")
		http.Error(w, ErrNotActivated.Error(), http.StatusServiceUnavailable)
		return
	}
	start := time.Now()
	cl := Classify(r, &s.cfg)

	var outcome string
	switch cl.Strategy {
	case StrategyAttendanceWrite:
		outcome = s.attendanceWrite(w, r, cl)
	case StrategyPassthroughWrite, StrategyCrossOrigin:
		outcome = s.passThrough(w, r, cl)
	case StrategyStaticAsset:
		outcome = s.cacheFirst(w, r, cl)
	default:
		outcome = s.networkFirst(w, r, cl)
	}

	s.metrics.fetches.WithLabelValues(string(cl.Strategy), outcome).Inc()
	s.debugFetch(r, cl, outcome, time.Since(start))
}

func (s *Service) debugFetch(r *http.Request, cl Classified, outcome string, took time.Duration) {
	switch s.cfg.debug {
	case DebugMinimal:
		s.log.Debug().Str("method", r.Method).Str("url", cl.Target.String()).
			Str("strategy", string(cl.Strategy)).Msg("fetch")
	case DebugVerbose:
		s.log.Debug().Str("method", r.Method).Str("url", cl.Target.String()).
			Str("strategy", string(cl.Strategy)).Str("tier", string(cl.Tier)).
			Bool("capture", cl.Capture).Str("outcome", outcome).
			Bool("online", s.online.Online()).Dur("took", took).Msg("fetch")
	}
}

// forward sends r (with body) to target and buffers the response.
// Only a transport failure returns an error; any HTTP status is a response.
func (s *Service) forward(ctx context.Context, r *http.Request, target *url.URL, body []byte) (CacheEntry, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), rd)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	return s.fetch(req)
}

func (s *Service) fetch(req *http.Request) (CacheEntry, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		// A cancelled request says nothing about the origin.
		if sameHost(req.URL, s.cfg.origin) && !errors.Is(err, context.Canceled) {
			s.online.set(false)
		}
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	if sameHost(req.URL, s.cfg.origin) {
		s.online.set(true)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func isOK(status int) bool { return status >= 200 && status < 300 }

// cachePut is the only path that writes to a tier. It enforces: GET only,
// same origin or CDN only, network-OK responses only.
func (s *Service) cachePut(r *http.Request, cl Classified, ent CacheEntry) {
	if r.Method != http.MethodGet || cl.Tier == TierNone || !isOK(ent.Status) {
		return
	}
	if !sameHost(cl.Target, s.cfg.origin) && (s.cfg.cdn == nil || !sameHost(cl.Target, s.cfg.cdn)) {
		return
	}
	if err := s.caches.Put(s.cfg.CacheName(cl.Tier), cacheKey(cl.Target), ent); err != nil {
		s.warnLog.Warn(err, "cache write failed")
	}
}

func (s *Service) passThrough(w http.ResponseWriter, r *http.Request, cl Classified) string {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return "bad-request"
	}
	ent, err := s.forward(r.Context(), r, cl.Target, body)
	if err != nil {
		setWorkerHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return "bad-gateway"
	}
	writeEntry(w, ent, "network")
	return "network"
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, workerHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setWorkerHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

const workerHeader = "X-Attendsync"

func setWorkerHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(workerHeader, source)
	}
	// Pages read the source from JS, which needs the header exposed under CORS.
	ensureExposedHeader(h, workerHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Connection":    {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
