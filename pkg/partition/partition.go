// Package partition maps partition names to stable integer ids.
//
// Ids are allocated by the backing store on first use and never change or get
// reused. The Allocator keeps a read-through cache and collapses concurrent
// misses for the same name into one store round trip.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/security"
)

// Allocator resolves partition names to ids.
type Allocator struct {
	store  core.PartitionStore
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]int
	group singleflight.Group
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

// New creates an Allocator backed by store.
func New(store core.PartitionStore, opts ...Option) *Allocator {
	a := &Allocator{
		store:  store,
		logger: slog.Default(),
		cache:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetOrCreatePartitionID returns the id of name, creating the partition if it
// does not exist yet. Concurrent callers, in this process or elsewhere,
// always observe the same id for the same name.
func (a *Allocator) GetOrCreatePartitionID(ctx context.Context, name string) (int, error) {
	if err := security.ValidatePartitionName(name); err != nil {
		return 0, err
	}

	a.mu.RLock()
	id, ok := a.cache[name]
	a.mu.RUnlock()
	if ok {
		return id, nil
	}

	// The shared resolve outlives any single caller; each caller waits on
	// its own context.
	shared := context.WithoutCancel(ctx)
	ch := a.group.DoChan(name, func() (any, error) {
		return a.resolve(shared, name)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	}
}

func (a *Allocator) resolve(ctx context.Context, name string) (int, error) {
	p, err := a.store.GetPartition(ctx, name)
	if errors.Is(err, core.ErrPartitionNotFound) {
		p, err = a.store.CreatePartition(ctx, name)
		if errors.Is(err, core.ErrPartitionExists) {
			// Another process won the insert.
			p, err = a.store.GetPartition(ctx, name)
		} else if err == nil {
			a.logger.Info("partition created", "partition", name, "id", p.ID)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("jobengine: resolve partition %q: %w", name, err)
	}

	a.mu.Lock()
	a.cache[name] = p.ID
	a.mu.Unlock()
	return p.ID, nil
}

// List returns every known partition and refreshes the cache with them.
func (a *Allocator) List(ctx context.Context) ([]*core.Partition, error) {
	parts, err := a.store.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	for _, p := range parts {
		a.cache[p.Name] = p.ID
	}
	a.mu.Unlock()
	return parts, nil
}

// Cached reports the cached id of name without touching the store.
func (a *Allocator) Cached(name string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.cache[name]
	return id, ok
}
