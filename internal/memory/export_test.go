package memory

import (
	"context"
	"database/sql"
	"strings"
)

// SetExecFailure makes every write whose SQL contains match fail with err.
// This file only compiles during `go test`.
func (s *Store) SetExecFailure(match string, err error) {
	s.hooks.exec = func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
		if strings.Contains(query, match) {
			return nil, err
		}
		return db.ExecContext(ctx, query, args...)
	}
}

// ClearHooks restores the default exec and query paths.
func (s *Store) ClearHooks() {
	s.hooks = storeHooks{}
}
