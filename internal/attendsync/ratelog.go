package attendsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// rateLimitedLogger emits at most one warning per interval; the rest are
// counted and reported with the next line that gets through.
type rateLimitedLogger struct {
	log       zerolog.Logger
	mu        sync.Mutex
	sometimes rate.Sometimes
	dropped   int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, sometimes: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Warn(err error, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	emitted := false
	l.sometimes.Do(func() {
		emitted = true
		l.log.Warn().Err(err).Int("suppressed", l.dropped).Msg(msg)
		l.dropped = 0
	})
	if !emitted {
		l.dropped++
	}
}
