// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/limiter"
)

// Store aggregates the per-entity stores into the seams the limiter service,
// RSS pipeline, delete engine, and scheduler consume. One Store instance is
// shared process-wide over the single connection pool.
type Store struct {
	Downloaders   *DownloaderStore
	Feeds         *FeedStore
	RSSRecords    *RSSRecordStore
	Rules         *DeleteRuleStore
	DeleteRecords *DeleteRecordStore
	SpeedLimits   *SpeedLimitStore
	Magic         *MagicStore
	Settings      *SettingsStore
	Logs          *LogRecordStore
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		Downloaders:   NewDownloaderStore(db),
		Feeds:         NewFeedStore(db),
		RSSRecords:    NewRSSRecordStore(db),
		Rules:         NewDeleteRuleStore(db),
		DeleteRecords: NewDeleteRecordStore(db),
		SpeedLimits:   NewSpeedLimitStore(db),
		Magic:         NewMagicStore(db),
		Settings:      NewSettingsStore(db),
		Logs:          NewLogRecordStore(db),
	}
}

// limiter.Store

func (s *Store) ListSpeedLimitedDownloaders(ctx context.Context) ([]domain.Downloader, error) {
	return s.Downloaders.ListSpeedLimited(ctx)
}

func (s *Store) GlobalSpeedLimitConfig(ctx context.Context) (domain.SpeedLimitConfig, error) {
	return s.SpeedLimits.GlobalConfig(ctx)
}

func (s *Store) SiteRuleFor(ctx context.Context, trackerDomain string) (domain.SpeedLimitSite, bool, error) {
	return s.SpeedLimits.SiteFor(ctx, trackerDomain)
}

func (s *Store) LoadLimiterState(ctx context.Context) (map[string]*limiter.TorrentState, error) {
	return s.SpeedLimits.LoadLimiterState(ctx)
}

func (s *Store) SaveLimiterState(ctx context.Context, state map[string]*limiter.TorrentState) error {
	return s.SpeedLimits.SaveLimiterState(ctx, state)
}

func (s *Store) RecordBandwidthDelta(ctx context.Context, downloaderID int64, hash, trackerDomain string, upSpeed, targetSpeed, appliedLimit int64, phase string, deltaUp, deltaDown int64) error {
	return s.SpeedLimits.RecordBandwidthDelta(ctx, downloaderID, hash, trackerDomain, upSpeed, targetSpeed, appliedLimit, phase, deltaUp, deltaDown)
}

// rss.Store

func (s *Store) ExistingLinks(ctx context.Context, feedID int64, links []string) (map[string]bool, error) {
	return s.RSSRecords.ExistingLinks(ctx, feedID, links)
}

func (s *Store) InsertRecord(ctx context.Context, rec domain.RSSRecord) error {
	return s.RSSRecords.Insert(ctx, rec)
}

func (s *Store) MarkFeedProcessed(ctx context.Context, feedID int64, firstRunDone bool, lastFetch time.Time) error {
	return s.Feeds.MarkProcessed(ctx, feedID, firstRunDone, lastFetch)
}

func (s *Store) ListEnabledDownloaders(ctx context.Context) ([]domain.Downloader, error) {
	return s.Downloaders.ListEnabled(ctx)
}

func (s *Store) GetDownloader(ctx context.Context, id int64) (domain.Downloader, error) {
	return s.Downloaders.Get(ctx, id)
}

// deleteengine.Store

func (s *Store) ListEnabledRules(ctx context.Context) ([]domain.DeleteRule, error) {
	return s.Rules.ListEnabled(ctx)
}

func (s *Store) ConditionMetSince(ctx context.Context, downloaderID int64, key string) (time.Time, bool, error) {
	return s.Rules.ConditionMetSince(ctx, downloaderID, key)
}

func (s *Store) SetConditionMetSince(ctx context.Context, downloaderID int64, key string, since time.Time) error {
	return s.Rules.SetConditionMetSince(ctx, downloaderID, key, since)
}

func (s *Store) ClearConditionMetSince(ctx context.Context, downloaderID int64, key string) error {
	return s.Rules.ClearConditionMetSince(ctx, downloaderID, key)
}

func (s *Store) InsertDeleteRecord(ctx context.Context, rec domain.DeleteRecord) error {
	return s.DeleteRecords.Insert(ctx, rec)
}

// scheduler seams

func (s *Store) ListDueFeeds(ctx context.Context, now time.Time) ([]domain.RSSFeed, error) {
	return s.Feeds.ListDue(ctx, now)
}

func (s *Store) DeleteCheckInterval(ctx context.Context) (time.Duration, error) {
	return s.Settings.DeleteCheckInterval(ctx)
}

func (s *Store) ListAutoReannounceDownloaders(ctx context.Context) ([]domain.Downloader, error) {
	return s.Downloaders.ListAutoReannounce(ctx)
}

// magic.Store

func (s *Store) MagicConfig(ctx context.Context) (domain.U2MagicConfig, error) {
	return s.Magic.Config(ctx)
}

func (s *Store) MagicLinkSeen(ctx context.Context, link string) (bool, error) {
	return s.Magic.LinkSeen(ctx, link)
}

func (s *Store) InsertMagicRecord(ctx context.Context, rec domain.MagicRecord) error {
	return s.Magic.Insert(ctx, rec)
}

// PruneRecords removes history rows older than cutoff across every append-only
// table.
func (s *Store) PruneRecords(ctx context.Context, cutoff time.Time) error {
	if _, err := s.SpeedLimits.PruneRecords(ctx, cutoff); err != nil {
		return err
	}
	if _, err := s.RSSRecords.PruneUndownloaded(ctx, cutoff); err != nil {
		return err
	}
	if _, err := s.DeleteRecords.Prune(ctx, cutoff); err != nil {
		return err
	}
	if _, err := s.Magic.PruneUndownloaded(ctx, cutoff); err != nil {
		return err
	}
	if _, err := s.Logs.Prune(ctx, cutoff); err != nil {
		return err
	}
	return nil
}
