package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Scope wraps one pooled connection for the duration of a request or task.
type Scope struct {
	Conn *pgxpool.Conn
}

// Close releases the connection back to the pool.
func (s *Scope) Close() {
	if s == nil || s.Conn == nil {
		return
	}
	s.Conn.Release()
}

// Acquire takes a connection from the pool.
// The returned Scope MUST be closed with defer scope.Close().
func (db *DB) Acquire(ctx context.Context) (*Scope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Scope{Conn: conn}, nil
}
