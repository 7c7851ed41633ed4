package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// token is the coordination handle of one run.
type token struct {
	id      uuid.UUID
	push    Push
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

func (t *token) finished() bool {
	select {
	case <-t.done:
		return true
	default:
	}
	return false
}

// slot serializes pushes to one branch. lock is a one-element semaphore so
// waiting for it can honor a context.
type slot struct {
	lock   chan struct{}
	active *token
	// lastSeq is the highest Seq started on this slot. Guarded by lock.
	lastSeq uint64
}

func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) release() { <-s.lock }

// Registry maps branch names to their run slot. Build one per process.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

func (r *Registry) slot(branch string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[branch]
	if !ok {
		s = &slot{lock: make(chan struct{}, 1)}
		r.slots[branch] = s
	}
	return s
}

func (r *Registry) active(branch string) *token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[branch]; ok {
		return s.active
	}
	return nil
}

func (r *Registry) setActive(s *slot, t *token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.active = t
}

// clearActive removes t if it is still the active run of its slot.
func (r *Registry) clearActive(s *slot, t *token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.active == t {
		s.active = nil
	}
}

func (r *Registry) all() []*token {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*token
	for _, s := range r.slots {
		if s.active != nil {
			out = append(out, s.active)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].push.Branch < out[j].push.Branch })
	return out
}
