// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ptctl/fleet/internal/domain"
)

type RSSRecordStore struct {
	db *sql.DB
}

func NewRSSRecordStore(db *sql.DB) *RSSRecordStore {
	return &RSSRecordStore{db: db}
}

// ExistingLinks reports which of links already have a row for feedID. Callers
// chunk their input; this executes one IN query per call.
func (s *RSSRecordStore) ExistingLinks(ctx context.Context, feedID int64, links []string) (map[string]bool, error) {
	out := make(map[string]bool, len(links))
	if len(links) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(links))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(links)+1)
	args = append(args, feedID)
	for _, l := range links {
		args = append(args, l)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT link FROM rss_records WHERE feed_id = ? AND link IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("query existing links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, err
		}
		out[link] = true
	}
	return out, rows.Err()
}

// Insert appends one record. The (feed_id, link) uniqueness constraint makes a
// duplicate insert a no-op rather than an error.
func (s *RSSRecordStore) Insert(ctx context.Context, rec domain.RSSRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rss_records (feed_id, title, link, infohash, size_bytes,
			is_free, is_hr, seeders, leechers, downloaded, downloader_id, skip_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FeedID, rec.Title, rec.Link, rec.Infohash, rec.SizeBytes,
		rec.IsFree, rec.IsHR, rec.Seeders, rec.Leechers, rec.Downloaded,
		rec.DownloaderID, string(rec.SkipReason), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rss record: %w", err)
	}
	return nil
}

// CountByFeed is used by tests and the dashboard collaborator.
func (s *RSSRecordStore) CountByFeed(ctx context.Context, feedID int64) (total, downloaded int, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(downloaded), 0) FROM rss_records WHERE feed_id = ?",
		feedID).Scan(&total, &downloaded)
	return total, downloaded, err
}

// PruneUndownloaded deletes undownloaded records older than cutoff.
func (s *RSSRecordStore) PruneUndownloaded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM rss_records WHERE downloaded = 0 AND created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
