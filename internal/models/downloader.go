// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package models implements the persistence stores over the SQLite layer. Each
// entity gets its own store; Store in store.go aggregates them into the
// seams the limiter, RSS, and delete services consume.
package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ptctl/fleet/internal/domain"
)

type DownloaderStore struct {
	db *sql.DB
}

func NewDownloaderStore(db *sql.DB) *DownloaderStore {
	return &DownloaderStore{db: db}
}

const downloaderColumns = `id, name, flavor, endpoint, username, password, tls,
	default_save_dir, enabled, auto_reannounce_after_5min, auto_delete_allowed,
	auto_speed_limit_allowed, max_download_tasks, global_upload_limit,
	global_download_limit, created_at, updated_at`

func scanDownloader(row interface{ Scan(...any) error }) (domain.Downloader, error) {
	var d domain.Downloader
	err := row.Scan(
		&d.ID, &d.Name, &d.Flavor, &d.Endpoint, &d.Username, &d.Password, &d.TLS,
		&d.DefaultSaveDir, &d.Enabled, &d.AutoReannounceAfter5Min, &d.AutoDeleteAllowed,
		&d.AutoSpeedLimitAllowed, &d.MaxDownloadTasks, &d.GlobalUploadLimit,
		&d.GlobalDownloadLimit, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

func (s *DownloaderStore) Get(ctx context.Context, id int64) (domain.Downloader, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+downloaderColumns+" FROM downloaders WHERE id = ?", id)
	d, err := scanDownloader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Downloader{}, fmt.Errorf("downloader %d: %w", id, domain.ErrNotFound)
	}
	return d, err
}

func (s *DownloaderStore) list(ctx context.Context, where string, args ...any) ([]domain.Downloader, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+downloaderColumns+" FROM downloaders WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Downloader
	for rows.Next() {
		d, err := scanDownloader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DownloaderStore) ListEnabled(ctx context.Context) ([]domain.Downloader, error) {
	return s.list(ctx, "enabled = 1")
}

func (s *DownloaderStore) ListSpeedLimited(ctx context.Context) ([]domain.Downloader, error) {
	return s.list(ctx, "enabled = 1 AND auto_speed_limit_allowed = 1")
}

func (s *DownloaderStore) ListAutoReannounce(ctx context.Context) ([]domain.Downloader, error) {
	return s.list(ctx, "enabled = 1 AND auto_reannounce_after_5min = 1")
}

// Create inserts a downloader and returns it with its assigned id.
func (s *DownloaderStore) Create(ctx context.Context, d domain.Downloader) (domain.Downloader, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO downloaders (name, flavor, endpoint, username, password, tls,
			default_save_dir, enabled, auto_reannounce_after_5min, auto_delete_allowed,
			auto_speed_limit_allowed, max_download_tasks, global_upload_limit,
			global_download_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, d.Flavor, d.Endpoint, d.Username, d.Password, d.TLS,
		d.DefaultSaveDir, d.Enabled, d.AutoReannounceAfter5Min, d.AutoDeleteAllowed,
		d.AutoSpeedLimitAllowed, d.MaxDownloadTasks, d.GlobalUploadLimit,
		d.GlobalDownloadLimit, now, now,
	)
	if err != nil {
		return domain.Downloader{}, fmt.Errorf("insert downloader: %w", err)
	}
	d.ID, err = res.LastInsertId()
	d.CreatedAt, d.UpdatedAt = now, now
	return d, err
}
