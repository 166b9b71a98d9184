// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// Settings keys of the system_settings singleton table.
const (
	KeyDeleteCheckInterval = "delete_check_interval_seconds"
	KeyMagicCheckpoint     = "magic_checkpoint"
	KeyMagicConfig         = "u2_magic_config"
	KeyNetcupConfig        = "netcup_config"
)

// Delete-check interval bounds and default.
const (
	DeleteCheckIntervalMin     = 5
	DeleteCheckIntervalMax     = 3600
	DeleteCheckIntervalDefault = 60
)

// SettingsStore is the key–value singleton table holding opaque JSON state blobs
// and scalar settings.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM system_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	return err
}

// DeleteCheckInterval returns the configured delete-job interval clamped to
// [5s, 3600s], defaulting to 60s when unset or unparsable.
func (s *SettingsStore) DeleteCheckInterval(ctx context.Context) (time.Duration, error) {
	raw, ok, err := s.Get(ctx, KeyDeleteCheckInterval)
	if err != nil {
		return 0, err
	}
	secs := DeleteCheckIntervalDefault
	if ok {
		if v, err := strconv.Atoi(raw); err == nil {
			secs = v
		}
	}
	if secs < DeleteCheckIntervalMin {
		secs = DeleteCheckIntervalMin
	}
	if secs > DeleteCheckIntervalMax {
		secs = DeleteCheckIntervalMax
	}
	return time.Duration(secs) * time.Second, nil
}
