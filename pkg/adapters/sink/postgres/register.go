package postgres

import (
	"context"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
)

func init() {
	sink.Register(sink.Registration{
		Info: sink.Info{
			Type:        "postgres",
			DisplayName: "PostgreSQL",
			Description: "Write records to PostgreSQL 12+; reuses the session database when no DSN is set",
		},
		Factory: func(ctx context.Context, opts sink.Options) (sink.Sink, error) {
			pool := opts.Pool
			if opts.DSN != "" {
				pool = nil
			}
			return New(ctx, pool, opts.DSN, opts.TablePrefix, opts.Logger)
		},
	})
}
