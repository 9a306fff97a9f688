package attendsync

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrBackgroundSyncUnavailable is returned by Register when background sync
// is disabled. Callers log it; manual sync still replays the outbox.
var ErrBackgroundSyncUnavailable = errors.New("background sync unavailable")

// connectivity tracks whether the origin was reachable on the last attempt.
type connectivity struct {
	online      atomic.Bool
	onReconnect func()
}

func newConnectivity() *connectivity {
	c := &connectivity{}
	c.online.Store(true)
	return c
}

func (c *connectivity) Online() bool { return c.online.Load() }

func (c *connectivity) set(ok bool) {
	was := c.online.Swap(ok)
	if ok && !was && c.onReconnect != nil {
		c.onReconnect()
	}
}

// BackgroundSync holds registered one-shot sync tags and fires them once the
// origin answers a probe. It also fires the periodic tag on a ticker.
type BackgroundSync struct {
	enabled  bool
	probeInt time.Duration
	periodic time.Duration

	fire  func(ctx context.Context, tag string) error
	probe func(ctx context.Context) bool
	log   zerolog.Logger

	mu   sync.Mutex
	tags map[string]struct{}

	kickCh chan struct{}
}

func newBackgroundSync(cfg *Config, fire func(context.Context, string) error, probe func(context.Context) bool, log zerolog.Logger) *BackgroundSync {
	return &BackgroundSync{
		enabled:  cfg.BackgroundSyncEnabled(),
		probeInt: cfg.probeInterval,
		periodic: cfg.periodicInterval,
		fire:     fire,
		probe:    probe,
		log:      log.With().Str("subsystem", "bgsync").Logger(),
		tags:     map[string]struct{}{},
		kickCh:   make(chan struct{}, 1),
	}
}

// Register asks for tag to fire the next time the origin is reachable.
// Registering an already pending tag is a no-op.
func (b *BackgroundSync) Register(tag string) error {
	if !b.enabled {
		return ErrBackgroundSyncUnavailable
	}
	b.mu.Lock()
	b.tags[tag] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Pending returns the registered tags, sorted.
func (b *BackgroundSync) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tags))
	for t := range b.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// kick wakes the loop so pending tags are tried without waiting for the
// next probe tick.
func (b *BackgroundSync) kick() {
	select {
	case b.kickCh <- struct{}{}:
	default:
	}
}

func (b *BackgroundSync) run(stop <-chan struct{}) {
	var probeC, periodicC <-chan time.Time
	if b.enabled && b.probeInt > 0 {
		t := time.NewTicker(b.probeInt)
		defer t.Stop()
		probeC = t.C
	}
	if b.enabled && b.periodic > 0 {
		t := time.NewTicker(b.periodic)
		defer t.Stop()
		periodicC = t.C
	}
	for {
		select {
		case <-stop:
			return
		case <-probeC:
			b.flush(stop)
		case <-b.kickCh:
			b.flush(stop)
		case <-periodicC:
			ctx, cancel := stopContext(stop, 5*time.Minute)
			if err := b.fire(ctx, TagPeriodicSync); err != nil {
				b.log.Warn().Err(err).Str("tag", TagPeriodicSync).Msg("periodic sync failed")
			}
			cancel()
		}
	}
}

// flush fires every pending tag if the origin is reachable. A tag whose
// handler fails is registered again and retried on a later tick.
func (b *BackgroundSync) flush(stop <-chan struct{}) {
	tags := b.take()
	if len(tags) == 0 {
		return
	}
	ctx, cancel := stopContext(stop, 5*time.Minute)
	defer cancel()
	if !b.probe(ctx) {
		b.restore(tags)
		return
	}
	for _, tag := range tags {
		if err := b.fire(ctx, tag); err != nil {
			b.log.Warn().Err(err).Str("tag", tag).Msg("sync event failed, will retry")
			b.restore([]string{tag})
		}
	}
}

func (b *BackgroundSync) take() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tags))
	for t := range b.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	b.tags = map[string]struct{}{}
	return out
}

func (b *BackgroundSync) restore(tags []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tags {
		b.tags[t] = struct{}{}
	}
}

// stopContext returns a context cancelled by stop or after timeout.
func stopContext(stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// probe checks that the origin answers at all; any HTTP status counts.
func (s *Service) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	u := *s.cfg.origin
	u.Path = s.cfg.Sync.TokenPage
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return false
	}
	_, err = s.fetch(req)
	return err == nil
}
