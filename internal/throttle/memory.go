package throttle

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int64
}

type expiry struct {
	addr  string
	start time.Time
}

// Memory is a process-local fixed-window throttle.
//
// Windows are queued in creation order. Because every window has the same
// length, the queue is also ordered by expiry, so each Check pops expired
// heads before counting. Addresses that never come back are still evicted,
// with no background sweeper, at amortized O(1) per call.
type Memory struct {
	mu      sync.Mutex
	limit   int64
	length  time.Duration
	windows map[string]*window
	queue   *list.List
}

func NewMemory(limit int, length time.Duration) *Memory {
	return &Memory{
		limit:   int64(limit),
		length:  length,
		windows: make(map[string]*window),
		queue:   list.New(),
	}
}

func (m *Memory) Check(ctx context.Context, addr string, now time.Time) (Result, error) {
	if addr == "" {
		return Result{Allowed: true, Limit: m.limit}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evict(now)

	w, ok := m.windows[addr]
	if !ok || !now.Before(w.start.Add(m.length)) {
		w = &window{start: now}
		m.windows[addr] = w
		m.queue.PushBack(expiry{addr: addr, start: now})
	}
	w.count++

	res := Result{Count: w.count, Limit: m.limit, Allowed: w.count <= m.limit}
	if !res.Allowed {
		res.RetryAfter = w.start.Add(m.length).Sub(now)
	}
	return res, nil
}

// evict drops every window that has fully elapsed at now. Must hold mu.
func (m *Memory) evict(now time.Time) {
	for front := m.queue.Front(); front != nil; front = m.queue.Front() {
		exp := front.Value.(expiry)
		if now.Before(exp.start.Add(m.length)) {
			return
		}
		// The address may have opened a newer window since this entry was queued.
		if w, ok := m.windows[exp.addr]; ok && w.start.Equal(exp.start) {
			delete(m.windows, exp.addr)
		}
		m.queue.Remove(front)
	}
}

// Len reports how many addresses are currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
