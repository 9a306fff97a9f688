package attendsync

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics lives on a private registry so several services (tests) can
// coexist in one process.
type metrics struct {
	reg *prometheus.Registry

	fetches  *prometheus.CounterVec
	replays  *prometheus.CounterVec
	syncRuns *prometheus.CounterVec
	pending  prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_fetches_total",
			Help: "Intercepted requests by strategy and how they were answered.",
		}, []string{"strategy", "outcome"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_replays_total",
			Help: "Outbox records replayed, by result.",
		}, []string{"result"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_sync_runs_total",
			Help: "Outbox drains by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendsync_outbox_pending",
			Help: "Records waiting in the outbox.",
		}),
	}
	m.reg.MustRegister(
		m.fetches, m.replays, m.syncRuns, m.pending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			pending, err := s.outbox.Count(context.Background())
			if err != nil {
				s.warnLog.Warn(err, "stats: outbox count failed")
				continue
			}
			s.log.Info().
				Int("pending", pending).
				Int("static", s.caches.Count(s.cfg.CacheName(TierStatic))).
				Int("dynamic", s.caches.Count(s.cfg.CacheName(TierDynamic))).
				Int("data", s.caches.Count(s.cfg.CacheName(TierData))).
				Str("ram", formatBytes(uint64(s.caches.ram.TotalSize()))).
				Bool("online", s.online.Online()).
				Msg("stats")
		}
	}
}
