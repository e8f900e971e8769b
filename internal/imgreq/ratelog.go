package imgreq

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger drops messages logged less than interval after the last
// one it let through, and reports how many it dropped.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
	printf   func(format string, args ...any)
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval, printf: log.Printf}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	if l.dropped > 0 {
		format += " (%d similar suppressed)"
		args = append(args, l.dropped)
		l.dropped = 0
	}
	l.printf(format, args...)
}
