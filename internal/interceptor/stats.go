package interceptor

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"shell0/internal/config"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	outcomes map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()
}

type statsSnapshot struct {
	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	Outcomes       map[string]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	s.mu.Lock()
	outcomes := make(map[string]uint64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()
	if count == 0 {
		return statsSnapshot{Outcomes: outcomes}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   s.totalRespBytes.Load() / count,
		Outcomes:       outcomes,
	}
}

// RunStats logs a traffic summary every interval until ctx is done.
func (i *Interceptor) RunStats(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			i.logStats()
		}
	}
}

func (i *Interceptor) logStats() {
	ss := i.stats.Snapshot()
	ev := i.log.Info().
		Uint64("responses", ss.TotalResponses).
		Int("cached", i.cachedEntries()).
		Str("resp_min", config.FormatBytes(ss.MinRespBytes)).
		Str("resp_avg", config.FormatBytes(ss.AvgRespBytes)).
		Str("resp_max", config.FormatBytes(ss.MaxRespBytes))

	names := make([]string, 0, len(ss.Outcomes))
	for k := range ss.Outcomes {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		ev = ev.Uint64(k, ss.Outcomes[k])
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", config.FormatBytes(rss))
	}
	ev.Msg("stats")
}

func (i *Interceptor) cachedEntries() int {
	gen, ok := i.ctrl.Active()
	if !ok {
		return 0
	}
	n := 0
	for _, name := range gen.Names() {
		s, err := i.caches.Open(name)
		if err != nil {
			continue
		}
		keys, err := s.Keys()
		if err != nil {
			continue
		}
		n += len(keys)
	}
	return n
}
