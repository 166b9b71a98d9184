// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ptctl/fleet/internal/domain"
)

// LogRecordStore persists the structured log history rows surfaced to the
// out-of-scope dashboard; the core only appends and prunes.
type LogRecordStore struct {
	db *sql.DB
}

func NewLogRecordStore(db *sql.DB) *LogRecordStore {
	return &LogRecordStore{db: db}
}

func (s *LogRecordStore) Insert(ctx context.Context, rec domain.LogRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_records (level, component, message, created_at)
		VALUES (?, ?, ?, ?)`,
		rec.Level, rec.Component, rec.Message, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	return nil
}

func (s *LogRecordStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM log_records WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
