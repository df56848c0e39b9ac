package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
)

// ContextFactory builds a fresh session context.
type ContextFactory func() (*Context, error)

// Registry tracks the live contexts of a process so they can be drained on
// shutdown.
type Registry struct {
	contexts sync.Map
	count    atomic.Int64
	factory  ContextFactory
	draining atomic.Bool
}

func NewRegistry(factory ContextFactory) *Registry {
	return &Registry{factory: factory}
}

// Create mounts a new context. It fails with closed while draining.
func (r *Registry) Create() (*Context, error) {
	if r.draining.Load() {
		return nil, errorsx.New(errorsx.ReasonClosed, "registry is draining")
	}
	c, err := r.factory()
	if err != nil {
		return nil, err
	}
	r.contexts.Store(c.ID(), c)
	r.count.Add(1)
	return c, nil
}

func (r *Registry) Get(id string) (*Context, bool) {
	if v, ok := r.contexts.Load(id); ok {
		return v.(*Context), true
	}
	return nil, false
}

// Remove unmounts and closes the context with id.
func (r *Registry) Remove(id string) {
	if v, ok := r.contexts.LoadAndDelete(id); ok {
		_ = v.(*Context).Close()
		r.count.Add(-1)
	}
}

func (r *Registry) CloseAll() {
	r.contexts.Range(func(key, _ any) bool {
		if id, ok := key.(string); ok {
			r.Remove(id)
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty polls until no contexts remain or ctx ends.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
