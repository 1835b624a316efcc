package actor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultIdleTimeout is how long an unused handle is kept.
const DefaultIdleTimeout = 10 * time.Minute

// handle owns the single run slot of one user.
type handle struct {
	slot     chan struct{}
	waiters  int
	lastUsed time.Time
}

// Registry serializes work per user. At most one function runs for a
// given user at a time; callers for the same user queue until the slot is
// free or their context ends. Different users never block each other.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
	idle    time.Duration
	now     func() time.Time
	stopCh  chan struct{}
	running bool
	logger  zerolog.Logger
}

// NewRegistry creates a registry whose handles are reaped after idle.
func NewRegistry(idle time.Duration, logger zerolog.Logger) *Registry {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Registry{
		handles: make(map[string]*handle),
		idle:    idle,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		logger:  logger.With().Str("component", "actors").Logger(),
	}
}

// Do runs fn while holding userID's slot. It returns ctx.Err() without
// running fn if ctx ends while waiting.
func (r *Registry) Do(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	h := r.acquire(userID)
	defer r.release(h)

	select {
	case h.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-h.slot }()

	return fn(ctx)
}

func (r *Registry) acquire(userID string) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[userID]
	if !ok {
		h = &handle{slot: make(chan struct{}, 1)}
		r.handles[userID] = h
	}
	h.waiters++
	return h
}

func (r *Registry) release(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h.waiters--
	h.lastUsed = r.now()
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Reap drops handles that have no caller and were last used more than the
// idle timeout ago. It returns the number of handles dropped.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idle)
	dropped := 0
	for userID, h := range r.handles {
		if h.waiters == 0 && h.lastUsed.Before(cutoff) {
			delete(r.handles, userID)
			dropped++
		}
	}
	if dropped > 0 {
		r.logger.Debug().Int("dropped", dropped).Int("live", len(r.handles)).Msg("idle actors reaped")
	}
	return dropped
}

// Start launches the background reaper. It is a no-op when already running.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	interval := r.idle / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Reap()
			}
		}
	}()
}

// Stop halts the reaper.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}
