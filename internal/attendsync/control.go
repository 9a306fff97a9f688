package attendsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrInstallIncomplete means the offline page could not be cached, so this
// generation has nothing to show for navigations while offline.
var ErrInstallIncomplete = errors.New("install incomplete: offline page not cached")

// Install populates the static tier from the manifest. Entries the network
// cannot provide are carried over from an older generation's static tier when
// one holds them; other failures are logged and tolerated.
func (s *Service) Install(ctx context.Context) error {
	name := s.cfg.CacheName(TierStatic)
	if err := s.caches.Open(name); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	var fetched, carried, failed int
	for _, ref := range s.cfg.Cache.Manifest {
		key := s.resolve(ref)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
		if err != nil {
			failed++
			continue
		}
		req.Header.Set("Accept-Encoding", "identity")
		ent, err := s.fetch(req)
		if err == nil && isOK(ent.Status) {
			if err := s.caches.Put(name, key, ent); err != nil {
				return fmt.Errorf("install: cache %s: %w", key, err)
			}
			fetched++
			continue
		}
		if s.carryOver(name, key) {
			carried++
			continue
		}
		failed++
		ev := s.log.Warn().Str("url", key)
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Int("status", ent.Status)
		}
		ev.Msg("install: manifest entry not cached")
	}
	s.log.Info().Int("fetched", fetched).Int("carried", carried).Int("failed", failed).Msg("install complete")
	if !s.caches.Has(name, s.resolve(s.cfg.Cache.OfflinePage)) {
		return ErrInstallIncomplete
	}
	return nil
}

// carryOver copies key from any other static-tier cache into name.
func (s *Service) carryOver(name, key string) bool {
	names, err := s.caches.Names()
	if err != nil {
		return false
	}
	for _, other := range names {
		if other == name || !isTierName(other, TierStatic) {
			continue
		}
		if ent, ok := s.caches.Match(other, key); ok {
			return s.caches.Put(name, key, ent) == nil
		}
	}
	return false
}

func isTierName(name string, t Tier) bool {
	prefix := "attendance-" + string(t) + "-"
	return len(name) > len(prefix) && name[:len(prefix)] == prefix
}

// Activate retires every cache that is not one of the current generation's
// three tiers, starts serving, then pre-warms the dynamic tier.
func (s *Service) Activate(ctx context.Context) error {
	names, err := s.caches.Names()
	if err != nil {
		return fmt.Errorf("activate: list caches: %w", err)
	}
	keep := s.cfg.currentCacheNames()
	for _, n := range names {
		if _, ok := keep[n]; ok {
			continue
		}
		if err := s.caches.Delete(n); err != nil {
			return fmt.Errorf("activate: delete cache %s: %w", n, err)
		}
		s.log.Info().Str("cache", n).Msg("deleted old cache")
	}
	for n := range keep {
		if err := s.caches.Open(n); err != nil {
			return fmt.Errorf("activate: open cache %s: %w", n, err)
		}
	}

	// Claim: from here on every request is served by this generation.
	s.activated.Store(true)
	s.refreshPendingGauge(ctx)

	stored, failed := s.prewarm(ctx)
	s.log.Info().Int("stored", stored).Int("failed", failed).Msg("pre-warm complete")
	return nil
}

// SyncNow drains the outbox on behalf of an explicit client request.
func (s *Service) SyncNow(ctx context.Context) (SyncResult, error) {
	res, err := s.engine.Drain(ctx)
	s.metrics.syncRuns.WithLabelValues("manual", runOutcome(res, err)).Inc()
	return res, err
}

// fireSync handles a sync or periodicsync event for tag.
func (s *Service) fireSync(ctx context.Context, tag string) error {
	var trigger string
	switch tag {
	case TagSyncAttendance, TagSyncAll:
		trigger = "background"
	case TagPeriodicSync:
		trigger = "periodic"
	default:
		return fmt.Errorf("unknown sync tag %q", tag)
	}
	res, err := s.engine.Drain(ctx)
	s.metrics.syncRuns.WithLabelValues(trigger, runOutcome(res, err)).Inc()
	if err != nil {
		s.hub.broadcast(Message{Type: MsgSyncFailed, Error: err.Error()})
		return err
	}
	s.hub.broadcast(Message{Type: MsgSyncCompleted, SyncResults: &res})
	return nil
}

func runOutcome(res SyncResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Success:
		return "success"
	}
	return "partial"
}

var errUnknownMessage = errors.New("unknown message type")

// HandleMessage answers one client message.
func (s *Service) HandleMessage(ctx context.Context, msg Message) (Message, error) {
	switch msg.Type {
	case MsgSyncNow:
		res, err := s.SyncNow(ctx)
		if err != nil {
			return Message{Type: MsgSyncFailed, Error: err.Error()}, nil
		}
		return Message{Type: MsgSyncCompleted, SyncResults: &res}, nil
	case MsgCheckPending:
		n, err := s.outbox.Count(ctx)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgPendingSyncCount, Count: &n}, nil
	}
	return Message{}, fmt.Errorf("%w: %q", errUnknownMessage, msg.Type)
}

// hub fans broadcasts out to every connected client.
type hub struct {
	mu      sync.Mutex
	clients map[chan Message]struct{}
	closed  bool
}

func newHub() *hub {
	return &hub{clients: map[chan Message]struct{}{}}
}

func (h *hub) subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 8)
	h.mu.Lock()
	if h.closed {
		close(ch)
		h.mu.Unlock()
		return ch, func() {}
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// broadcast never blocks: a client whose buffer is full misses the message.
func (h *hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
	h.closed = true
}
