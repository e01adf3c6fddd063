package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepository struct {
	mu          sync.RWMutex
	seq         int64
	byRequester map[string][]BookingEvent
}

// NewMemoryRepository returns a process-local ledger. It is only correct for
// a single replica; use the Postgres repository when running more than one.
func NewMemoryRepository() Repository {
	return &memoryRepository{byRequester: make(map[string][]BookingEvent)}
}

func (r *memoryRepository) QueryEvents(ctx context.Context, scope ScopeKey, since time.Time) ([]BookingEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []BookingEvent
	for i := range r.byRequester[scope.RequesterID] {
		e := r.byRequester[scope.RequesterID][i]
		if scope.Matches(&e) && e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}

	// Stored in insertion order, so a stable sort keeps Seq order on ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memoryRepository) Append(ctx context.Context, e *BookingEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.RequesterID == "" || e.ResourceID == "" {
		return ErrInvalidEvent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.seq++
	e.Seq = r.seq
	r.byRequester[e.RequesterID] = append(r.byRequester[e.RequesterID], *e)
	return nil
}

func (r *memoryRepository) List(ctx context.Context, filter Filter) ([]*BookingEvent, int, error) {
	if err := filter.normalize(); err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	r.mu.RLock()
	var matched []*BookingEvent
	scope := ScopeKey{RequesterID: filter.RequesterID, ResourceID: filter.ResourceID}
	for _, e := range r.byRequester[filter.RequesterID] {
		if !scope.Matches(&e) {
			continue
		}
		if filter.Since != nil && !e.CreatedAt.After(*filter.Since) {
			continue
		}
		ev := e
		matched = append(matched, &ev)
	}
	r.mu.RUnlock()

	// Newest first, same as the Postgres listing.
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].Seq > matched[j].Seq
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []*BookingEvent{}, total, nil
	}
	end := min(start+filter.PageSize, total)
	return matched[start:end], total, nil
}
