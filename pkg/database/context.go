package database

import (
	"context"
)

type contextKey string

const (
	// ScopeKey is the context key for the request-scoped database connection.
	ScopeKey contextKey = "dbScope"
)

// GetScope retrieves the scoped database connection from context.
// Returns nil and false if not present.
func GetScope(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ScopeKey).(*Scope)
	return scope, ok
}

// SetScope stores the scoped database connection in context.
func SetScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// ScopeProvider creates scoped contexts for work that runs outside an HTTP request,
// such as background commit workers and approval deadline timers.
type ScopeProvider struct {
	db *DB
}

// NewScopeProvider creates a ScopeProvider for the given database.
func NewScopeProvider(db *DB) *ScopeProvider {
	return &ScopeProvider{db: db}
}

// WithScope returns a context carrying a fresh connection.
// The cleanup function must be called when the scope is no longer needed.
// If ctx already carries a scope it is reused and cleanup is a no-op.
func (p *ScopeProvider) WithScope(ctx context.Context) (context.Context, func(), error) {
	if _, ok := GetScope(ctx); ok {
		return ctx, func() {}, nil
	}
	scope, err := p.db.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetScope(ctx, scope), func() { scope.Close() }, nil
}

// ScopeFunc opens a scoped context for background work. ScopeProvider.WithScope
// satisfies it; tests substitute a no-op.
type ScopeFunc func(ctx context.Context) (context.Context, func(), error)

// NoScope is a ScopeFunc that returns ctx unchanged.
func NoScope(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}
