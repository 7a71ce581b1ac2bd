package mssql

import (
	"context"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
)

func init() {
	sink.Register(sink.Registration{
		Info: sink.Info{
			Type:        "mssql",
			DisplayName: "Microsoft SQL Server",
			Description: "Write records to SQL Server 2019+ or Azure SQL Database",
		},
		Factory: func(ctx context.Context, opts sink.Options) (sink.Sink, error) {
			return Open(ctx, opts.DSN, opts.TablePrefix, opts.Logger)
		},
	})
}
