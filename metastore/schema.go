package metastore

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// InitSchema creates the SQLite schema. PostgreSQL databases are managed by
// the migrations in migrations/, so only their presence is checked.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.dialect == Postgres {
		if _, err := s.db.ExecContext(ctx, "SELECT 1 FROM access_count_table LIMIT 1"); err != nil {
			return fmt.Errorf("schema missing, run the migrate command first: %w", err)
		}
		return nil
	}

	for _, stmt := range strings.Split(sqliteSchema, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	s.log.Debug("schema initialized")
	return nil
}
