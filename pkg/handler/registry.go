package handler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jdziat/jobengine/pkg/security"
)

// Builder collects handlers before the registry is frozen. It is not safe
// for concurrent use.
type Builder struct {
	handlers map[string]Func
	errs     []error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[string]Func)}
}

// Handle registers fn for queueType. Errors are reported by Build.
func (b *Builder) Handle(queueType string, fn Func) *Builder {
	if err := security.ValidateQueueType(queueType); err != nil {
		b.errs = append(b.errs, fmt.Errorf("handler %q: %w", queueType, err))
		return b
	}
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("handler %q: nil func", queueType))
		return b
	}
	if _, dup := b.handlers[queueType]; dup {
		b.errs = append(b.errs, fmt.Errorf("handler %q: registered twice", queueType))
		return b
	}
	b.handlers[queueType] = fn
	return b
}

// HandleFunc registers a plain function adapted with Wrap.
func (b *Builder) HandleFunc(queueType string, fn any) *Builder {
	f, err := Wrap(fn)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("handler %q: %w", queueType, err))
		return b
	}
	return b.Handle(queueType, f)
}

// Build freezes the registered handlers.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	r := &Registry{handlers: make(map[string]Func, len(b.handlers))}
	for k, v := range b.handlers {
		r.handlers[k] = v
	}
	return r, nil
}

// Registry is an immutable queue type to handler map, safe for concurrent
// lookups.
type Registry struct {
	handlers map[string]Func
}

// Lookup returns the handler for queueType.
func (r *Registry) Lookup(queueType string) (Func, bool) {
	fn, ok := r.handlers[queueType]
	return fn, ok
}

// QueueTypes returns the registered queue types in sorted order.
func (r *Registry) QueueTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
