package clock

import (
	"sync"
	"time"
)

// Clock provides time to the components that persist timestamps.
type Clock interface {
	Now() time.Time
}

// System returns the current wall-clock time in UTC.
type System struct{}

func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
