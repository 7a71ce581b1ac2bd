package mongo

import (
	"context"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
)

func init() {
	sink.Register(sink.Registration{
		Info: sink.Info{
			Type:        "mongo",
			DisplayName: "MongoDB",
			Description: "Upsert records as documents; atomic chunks need a replica set",
		},
		Factory: func(ctx context.Context, opts sink.Options) (sink.Sink, error) {
			return Open(ctx, opts.DSN, opts.Database, opts.TablePrefix, opts.Logger)
		},
	})
}
