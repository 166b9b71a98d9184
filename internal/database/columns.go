// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ptctl/fleet/internal/domain"
)

// columnMigration is one additive, idempotent column change.
type columnMigration struct {
	table  string
	column string
	ddl    string
}

// columnWhitelist is the exhaustive set of permitted additive column migrations
//. Column names absent from this list are rejected to prevent DDL
// injection via configuration.
var columnWhitelist = []columnMigration{
	{"rss_feeds", "enabled", "ALTER TABLE rss_feeds ADD COLUMN enabled INTEGER NOT NULL DEFAULT 1"},
	{"rss_records", "skip_reason", "ALTER TABLE rss_records ADD COLUMN skip_reason TEXT NOT NULL DEFAULT ''"},
	{"delete_rules", "script_mode", "ALTER TABLE delete_rules ADD COLUMN script_mode TEXT NOT NULL DEFAULT ''"},
	{"speed_limit_sites", "tid_search_url_template", "ALTER TABLE speed_limit_sites ADD COLUMN tid_search_url_template TEXT NOT NULL DEFAULT ''"},
	{"speed_limit_records", "hash", "ALTER TABLE speed_limit_records ADD COLUMN hash TEXT NOT NULL DEFAULT ''"},
	{"downloaders", "max_download_tasks", "ALTER TABLE downloaders ADD COLUMN max_download_tasks INTEGER NOT NULL DEFAULT 0"},
}

// applyColumnMigrations adds every whitelisted column that doesn't exist yet.
// Fresh databases already have all columns from the schema migrations; this
// path only matters for databases created before a column was introduced.
func (db *DB) applyColumnMigrations(ctx context.Context) error {
	for _, m := range columnWhitelist {
		exists, err := db.columnExists(ctx, m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
		log.Info().Str("table", m.table).Str("column", m.column).Msg("added column")
	}
	return nil
}

// RequireWhitelisted verifies a (table, column) pair appears in the whitelist;
// any other pair is a fatal invariant violation.
func RequireWhitelisted(table, column string) error {
	for _, m := range columnWhitelist {
		if m.table == table && m.column == column {
			return nil
		}
	}
	return fmt.Errorf("%w: column migration %s.%s not whitelisted", domain.ErrInvariant, table, column)
}

func (db *DB) columnExists(ctx context.Context, table, column string) (bool, error) {
	if err := RequireWhitelisted(table, column); err != nil {
		return false, err
	}
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
