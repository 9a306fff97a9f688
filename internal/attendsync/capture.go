package attendsync

import (
	"context"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
)

type captureReply struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// attendanceWrite forwards an attendance mutation. When the network is
// unreachable and the method is capturable, the exact body is appended to the
// outbox and the page receives a deferred-success reply. The page never sees
// success unless the outbox write was durable.
func (s *Service) attendanceWrite(w http.ResponseWriter, r *http.Request, cl Classified) string {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return "bad-request"
	}

	// The body is buffered, so the write outlives a page that goes away.
	ent, err := s.forward(context.WithoutCancel(r.Context()), r, cl.Target, body)
	if err == nil {
		// Server errors are not offline events and are never queued.
		writeEntry(w, ent, "network")
		return "network"
	}
	if r.Context().Err() != nil {
		// Nobody is left to receive a deferred-success reply.
		s.log.Info().Err(err).Str("url", cl.Target.String()).Msg("attendance write aborted by client, not captured")
		return "aborted"
	}
	if !cl.Capture {
		setWorkerHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return "bad-gateway"
	}
	s.log.Info().Err(err).Str("url", cl.Target.String()).Msg("network unavailable, capturing attendance write")

	m := PendingMutation{
		Timestamp: formatTimestamp(time.Now()),
		ID:        uuid.NewString(),
		URL:       cl.Target.String(),
		Method:    r.Method,
		Headers:   captureHeaders(r.Header),
		Body:      string(body),
	}
	ctx := context.WithoutCancel(r.Context())
	stored, err := s.outbox.Append(ctx, m)
	if err != nil {
		s.log.Error().Err(err).Str("url", m.URL).Msg("outbox append failed")
		writeJSON(w, http.StatusInternalServerError, captureReply{
			Status:  "error",
			Message: "Failed to save attendance offline: " + err.Error(),
		}, "capture-failed")
		return "capture-failed"
	}
	s.refreshPendingGauge(ctx)

	if err := s.bg.Register(TagSyncAttendance); err != nil {
		s.warnLog.Warn(err, "background sync unavailable, manual sync will replay")
	}

	writeJSON(w, http.StatusOK, captureReply{
		Status:    "offline",
		Message:   "Attendance saved offline. It will be synced when the connection is restored.",
		Timestamp: stored.Timestamp,
	}, "captured")
	return "captured"
}

// captureHeaders snapshots request headers as an ordered list, sorted by name
// so replays are deterministic. Hop-by-hop headers are dropped.
func captureHeaders(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for k := range h {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]Header, 0, len(names))
	for _, k := range names {
		for _, v := range h[k] {
			out = append(out, Header{Name: k, Value: v})
		}
	}
	return out
}

func (s *Service) refreshPendingGauge(ctx context.Context) {
	if n, err := s.outbox.Count(ctx); err == nil {
		s.metrics.pending.Set(float64(n))
	}
}
