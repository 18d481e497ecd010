package routes

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoRoute is returned by stores when no rule maps the tag. It is not a
// failure: the table turns it into the configured default backend.
var ErrNoRoute = errors.New("routes: no rule for tag")

// Resolver maps a protocol tag to a backend address.
type Resolver interface {
	Resolve(ctx context.Context, tag string) (string, error)
}

// Table resolves tags through a store and falls back to a default backend
// for tags without a rule. Store failures are passed through so the caller
// can tell an unavailable store from an unmapped tag.
type Table struct {
	store    Resolver
	fallback string
}

// NewTable returns a table over store with the given fallback address.
func NewTable(store Resolver, fallback string) *Table {
	return &Table{store: store, fallback: fallback}
}

// Resolve returns the backend address for tag.
func (t *Table) Resolve(ctx context.Context, tag string) (string, error) {
	addr, err := t.store.Resolve(ctx, tag)
	if errors.Is(err, ErrNoRoute) {
		return t.fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("route lookup for %s: %w", tag, err)
	}
	return addr, nil
}
