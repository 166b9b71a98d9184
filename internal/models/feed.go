// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ptctl/fleet/internal/domain"
)

type FeedStore struct {
	db *sql.DB
}

func NewFeedStore(db *sql.DB) *FeedStore {
	return &FeedStore{db: db}
}

const feedColumns = `id, name, url, cookie, site_domain, fetch_interval_seconds,
	first_run_done, last_fetch, downloader_id, auto_assign, filter_json,
	per_torrent_upload_limit, per_torrent_download_limit, category, tags, save_path`

func scanFeed(row interface{ Scan(...any) error }) (domain.RSSFeed, error) {
	var (
		f             domain.RSSFeed
		intervalSecs  int64
		lastFetch     sql.NullTime
		filterJSON    string
		tagsCSV       string
	)
	err := row.Scan(
		&f.ID, &f.Name, &f.URL, &f.Cookie, &f.SiteDomain, &intervalSecs,
		&f.FirstRunDone, &lastFetch, &f.DownloaderID, &f.AutoAssign, &filterJSON,
		&f.PerTorrentUploadLimitBps, &f.PerTorrentDownloadLimitBps, &f.Category,
		&tagsCSV, &f.SavePath,
	)
	if err != nil {
		return f, err
	}
	f.FetchInterval = time.Duration(intervalSecs) * time.Second
	if lastFetch.Valid {
		f.LastFetch = lastFetch.Time
	}
	if filterJSON != "" {
		if err := json.Unmarshal([]byte(filterJSON), &f.Filter); err != nil {
			return f, fmt.Errorf("decode feed %d filter: %w", f.ID, err)
		}
	}
	if tagsCSV != "" {
		f.Tags = strings.Split(tagsCSV, ",")
	}
	return f, nil
}

// ListDue returns enabled feeds whose fetch interval has elapsed (or that have
// never been fetched).
func (s *FeedStore) ListDue(ctx context.Context, now time.Time) ([]domain.RSSFeed, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+feedColumns+" FROM rss_feeds WHERE enabled = 1 ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RSSFeed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		if f.LastFetch.IsZero() || !now.Before(f.LastFetch.Add(f.FetchInterval)) {
			out = append(out, f)
		}
	}
	return out, rows.Err()
}

// MarkProcessed stamps first_run_done and last_fetch after a pipeline pass.
func (s *FeedStore) MarkProcessed(ctx context.Context, feedID int64, firstRunDone bool, lastFetch time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rss_feeds SET first_run_done = ?, last_fetch = ? WHERE id = ?",
		firstRunDone, lastFetch, feedID)
	return err
}

func (s *FeedStore) Create(ctx context.Context, f domain.RSSFeed) (domain.RSSFeed, error) {
	filterJSON, err := json.Marshal(f.Filter)
	if err != nil {
		return f, fmt.Errorf("encode feed filter: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rss_feeds (name, url, cookie, site_domain, fetch_interval_seconds,
			first_run_done, downloader_id, auto_assign, enabled, filter_json,
			per_torrent_upload_limit, per_torrent_download_limit, category, tags, save_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
		f.Name, f.URL, f.Cookie, f.SiteDomain, int64(f.FetchInterval.Seconds()),
		f.FirstRunDone, f.DownloaderID, f.AutoAssign, string(filterJSON),
		f.PerTorrentUploadLimitBps, f.PerTorrentDownloadLimitBps, f.Category,
		strings.Join(f.Tags, ","), f.SavePath,
	)
	if err != nil {
		return f, fmt.Errorf("insert feed: %w", err)
	}
	f.ID, err = res.LastInsertId()
	return f, err
}
