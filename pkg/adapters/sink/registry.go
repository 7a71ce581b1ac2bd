package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Info describes a registered sink.
type Info struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

// Options carries what a sink factory needs to connect.
type Options struct {
	DSN         string
	Database    string
	TablePrefix string
	// Pool is the session database. The postgres sink reuses it when DSN is empty.
	Pool   *pgxpool.Pool
	Logger *zap.Logger
}

// Registration is one sink type and its factory.
type Registration struct {
	Info    Info
	Factory func(ctx context.Context, opts Options) (Sink, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each sink's init() function.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// Registered returns info for all registered sinks ordered by type.
func Registered() []Info {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Info, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// IsRegistered checks if a sink type is available.
func IsRegistered(sinkType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[sinkType]
	return ok
}

// Open creates a sink of the given type.
func Open(ctx context.Context, sinkType string, opts Options) (Sink, error) {
	registryMu.RLock()
	reg, ok := registry[sinkType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported sink type: %s (not compiled in)", sinkType)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return reg.Factory(ctx, opts)
}
