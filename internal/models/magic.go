// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ptctl/fleet/internal/domain"
)

type MagicStore struct {
	db       *sql.DB
	settings *SettingsStore
}

func NewMagicStore(db *sql.DB) *MagicStore {
	return &MagicStore{db: db, settings: NewSettingsStore(db)}
}

func (s *MagicStore) Config(ctx context.Context) (domain.U2MagicConfig, error) {
	var cfg domain.U2MagicConfig
	raw, ok, err := s.settings.Get(ctx, KeyMagicConfig)
	if err != nil || !ok {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("decode magic config: %w", err)
	}
	return cfg, nil
}

func (s *MagicStore) SaveConfig(ctx context.Context, cfg domain.U2MagicConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.settings.Set(ctx, KeyMagicConfig, string(raw))
}

// Checkpoint round-trips the magic feed's opaque resume state blob.
func (s *MagicStore) Checkpoint(ctx context.Context) (string, error) {
	raw, _, err := s.settings.Get(ctx, KeyMagicCheckpoint)
	return raw, err
}

func (s *MagicStore) SaveCheckpoint(ctx context.Context, checkpoint string) error {
	return s.settings.Set(ctx, KeyMagicCheckpoint, checkpoint)
}

func (s *MagicStore) LinkSeen(ctx context.Context, link string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM magic_records WHERE link = ?", link).Scan(&count)
	return count > 0, err
}

func (s *MagicStore) Insert(ctx context.Context, rec domain.MagicRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO magic_records (title, link, downloaded, downloader_id, skip_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Title, rec.Link, rec.Downloaded, rec.DownloaderID, string(rec.SkipReason), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert magic record: %w", err)
	}
	return nil
}

// PruneUndownloaded drops undownloaded magic records older than cutoff.
func (s *MagicStore) PruneUndownloaded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM magic_records WHERE downloaded = 0 AND created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
