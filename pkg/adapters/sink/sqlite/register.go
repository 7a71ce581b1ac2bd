package sqlite

import (
	"context"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
)

func init() {
	sink.Register(sink.Registration{
		Info: sink.Info{
			Type:        "sqlite",
			DisplayName: "SQLite",
			Description: "Write records to a local SQLite file",
		},
		Factory: func(ctx context.Context, opts sink.Options) (sink.Sink, error) {
			return Open(ctx, opts.DSN, opts.TablePrefix, opts.Logger)
		},
	})
}
