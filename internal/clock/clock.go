package clock

import (
	"sync"
	"time"
)

// Clock is the time source used to compute rolling windows.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function into a Clock.
type Func func() time.Time

func (f Func) Now() time.Time {
	return f()
}

// Real reads the wall clock in UTC.
var Real Clock = Func(func() time.Time {
	return time.Now().UTC()
})

// Manual is a Clock that only moves when told to. Safe for concurrent use.
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

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
