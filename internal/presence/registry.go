// Package presence tracks which users have recently polled for opportunities.
// The agent only generates tips for these users.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"pipagent/internal/types"
)

// DefaultTimeout is how long a user stays active after their last poll.
const DefaultTimeout = 5 * time.Minute

// Registry is an in-memory set of active users with last-seen times. It is
// safe for concurrent use and is not persisted.
type Registry struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	timeout  time.Duration
	clock    types.Clock
	logger   *slog.Logger
}

// NewRegistry returns an empty registry. A non-positive timeout uses
// DefaultTimeout.
func NewRegistry(timeout time.Duration, clock types.Clock, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		lastSeen: make(map[string]time.Time),
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
	}
}

// MarkActive records uid as seen now. Empty ids are ignored.
func (r *Registry) MarkActive(uid string) {
	if uid == "" {
		return
	}
	r.mu.Lock()
	_, known := r.lastSeen[uid]
	r.lastSeen[uid] = r.clock.Now()
	r.mu.Unlock()

	if !known {
		r.logger.Debug("user marked active", "user_id", uid)
	}
}

// ActiveUsers evicts expired users and returns the rest in sorted order.
func (r *Registry) ActiveUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked()
	users := make([]string, 0, len(r.lastSeen))
	for uid := range r.lastSeen {
		users = append(users, uid)
	}
	sort.Strings(users)
	return users
}

// IsActive reports whether uid was seen within the timeout.
func (r *Registry) IsActive(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen, ok := r.lastSeen[uid]
	return ok && !r.expired(seen)
}

// ClearInactive evicts expired users and returns how many were removed.
func (r *Registry) ClearInactive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked()
}

func (r *Registry) expired(seen time.Time) bool {
	return r.clock.Now().Sub(seen) > r.timeout
}

func (r *Registry) evictLocked() int {
	cleared := 0
	for uid, seen := range r.lastSeen {
		if r.expired(seen) {
			delete(r.lastSeen, uid)
			cleared++
			r.logger.Debug("user timed out", "user_id", uid)
		}
	}
	return cleared
}
