package backend

import (
	"context"
	"fmt"
	"sort"
)

// Registry maps provider names to factories. It is built once by the caller
// and only read afterwards.
type Registry map[string]Factory

// NewRegistry indexes factories by their Name.
func NewRegistry(factories ...Factory) Registry {
	r := make(Registry, len(factories))
	for _, f := range factories {
		r[f.Name()] = f
	}
	return r
}

// Names returns the registered provider names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r Registry) Lookup(name string) (Factory, error) {
	f, ok := r[name]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrNotRegistered, name, r.Names())
	}
	return f, nil
}

// Create runs the named backend's lifecycle and returns a ready Provider.
func (r Registry) Create(ctx context.Context, name string, req Request) (Provider, error) {
	f, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return f.New(ctx, req)
}
