package sqlstore

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the accounts/devices/groups/group_users/group_messages
// schema. Statements are idempotent (CREATE TABLE IF NOT EXISTS), so it is
// safe to run against an already-migrated database.
func Migrate(ctx context.Context, s *Store) error {
	for _, stmt := range strings.Split(schemaSQL, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}
