package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/clock"
	"github.com/example/roster-sync/internal/types"
)

// Registry tracks open views by id so transports can address them, and
// closes views that sit idle without unsaved edits.
type Registry struct {
	mu     sync.RWMutex
	views  map[types.ViewID]*View
	idle   time.Duration
	clock  clock.Clock
	logger zerolog.Logger
}

// NewRegistry creates an empty registry. A zero idle timeout disables
// eviction.
func NewRegistry(idle time.Duration, clk clock.Clock, logger zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		views:  make(map[types.ViewID]*View),
		idle:   idle,
		clock:  clk,
		logger: logger,
	}
}

// Register adds the view.
func (r *Registry) Register(v *View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views[v.ID()] = v
	openViews.Set(float64(len(r.views)))
}

// Get returns the view with id.
func (r *Registry) Get(id types.ViewID) (*View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[id]
	if !ok {
		return nil, fmt.Errorf("view %s: %w", id, ErrViewNotFound)
	}
	return v, nil
}

// Remove closes and forgets the view.
func (r *Registry) Remove(id types.ViewID) error {
	r.mu.Lock()
	v, ok := r.views[id]
	if ok {
		delete(r.views, id)
	}
	openViews.Set(float64(len(r.views)))
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("view %s: %w", id, ErrViewNotFound)
	}
	v.Close()
	return nil
}

// Len returns the number of open views.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// NotifyCommitted fans a commit event out to every view of the same scope
// except the one that produced it. It returns the number of views notified.
func (r *Registry) NotifyCommitted(evt types.CommitEvent) int {
	r.mu.RLock()
	targets := make([]*View, 0, len(r.views))
	for id, v := range r.views {
		if id != evt.View && v.Scope() == evt.Scope {
			targets = append(targets, v)
		}
	}
	r.mu.RUnlock()

	for _, v := range targets {
		v.MarkStale(evt)
	}
	return len(targets)
}

// PublishCommitted implements save.Notifier for single-process deployments
// without a broadcaster.
func (r *Registry) PublishCommitted(_ context.Context, evt types.CommitEvent) error {
	r.NotifyCommitted(evt)
	return nil
}

// EvictIdle closes views unused for longer than the idle timeout. Views with
// unsaved edits or a commit in flight are kept.
func (r *Registry) EvictIdle() int {
	if r.idle <= 0 {
		return 0
	}
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []*View
	for id, v := range r.views {
		if now.Sub(v.LastActive()) < r.idle {
			continue
		}
		if v.HasAnyDirty() || v.Persisting() {
			r.logger.Debug().Str("view", string(id)).Msg("idle view kept: unsaved edits")
			continue
		}
		delete(r.views, id)
		evicted = append(evicted, v)
	}
	openViews.Set(float64(len(r.views)))
	r.mu.Unlock()

	for _, v := range evicted {
		v.Close()
		evictedTotal.Inc()
		r.logger.Info().Str("view", string(v.ID())).Msg("idle view evicted")
	}
	return len(evicted)
}

// Start runs eviction every interval until ctx is cancelled.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if r.idle <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.EvictIdle()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CloseAll closes every view. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	views := r.views
	r.views = make(map[types.ViewID]*View)
	openViews.Set(0)
	r.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}
