package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Unknown levels fall back to info.
func New(level string, pretty bool) zerolog.Logger {
	return newWithWriter(os.Stderr, level, pretty)
}

func newWithWriter(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339Nano}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Limited drops events that arrive sooner than interval after the last emitted
// one with the same key.
type Limited struct {
	log      zerolog.Logger
	interval time.Duration

	mu     sync.Mutex
	lastAt map[string]time.Time
}

func NewLimited(log zerolog.Logger, interval time.Duration) *Limited {
	return &Limited{log: log, interval: interval, lastAt: map[string]time.Time{}}
}

// Warn logs err under key unless the key fired within the interval.
func (l *Limited) Warn(key string, err error, msg string) {
	if !l.allow(key) {
		return
	}
	l.log.Warn().Err(err).Str("key", key).Msg(msg)
}

func (l *Limited) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.lastAt[key] = now
	return true
}
