package repositories

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-import/pkg/database"
)

func scopeFrom(ctx context.Context) (*database.Scope, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}
	return scope, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
