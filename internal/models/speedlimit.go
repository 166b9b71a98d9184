// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/limiter"
)

// speedLimiterStateKey is the system_settings row holding the serialized
// per-torrent limiter state.
const speedLimiterStateKey = "speed_limiter_state"

// speedLimitConfigKey holds the global SpeedLimitConfig singleton.
const speedLimitConfigKey = "speed_limit_config"

type SpeedLimitStore struct {
	db       *sql.DB
	settings *SettingsStore
}

func NewSpeedLimitStore(db *sql.DB) *SpeedLimitStore {
	return &SpeedLimitStore{db: db, settings: NewSettingsStore(db)}
}

func (s *SpeedLimitStore) GlobalConfig(ctx context.Context) (domain.SpeedLimitConfig, error) {
	var cfg domain.SpeedLimitConfig
	raw, ok, err := s.settings.Get(ctx, speedLimitConfigKey)
	if err != nil || !ok {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("decode speed limit config: %w", err)
	}
	return cfg, nil
}

func (s *SpeedLimitStore) SaveGlobalConfig(ctx context.Context, cfg domain.SpeedLimitConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.settings.Set(ctx, speedLimitConfigKey, string(raw))
}

const siteColumns = `id, tracker_domain, target_bps, safety_margin, is_u2_style,
	custom_cycle_interval_seconds, download_brake_enabled, reannounce_optimize_enabled,
	peer_list_probe_enabled, peer_list_cookie, peer_list_url_template,
	tid_search_url_template, peer_list_time_mode`

func scanSite(row interface{ Scan(...any) error }) (domain.SpeedLimitSite, error) {
	var site domain.SpeedLimitSite
	err := row.Scan(
		&site.ID, &site.TrackerDomain, &site.TargetBps, &site.SafetyMargin, &site.IsU2Style,
		&site.CustomCycleIntervalSecs, &site.DownloadBrakeEnabled, &site.ReannounceOptimizeEnabled,
		&site.PeerListProbeEnabled, &site.PeerListCookie, &site.PeerListURLTemplate,
		&site.TIDSearchURLTemplate, &site.PeerListTimeMode,
	)
	return site, err
}

// SiteFor resolves the per-tracker-domain override, reporting ok=false when the
// domain has no site rule and the global config applies.
func (s *SpeedLimitStore) SiteFor(ctx context.Context, trackerDomain string) (domain.SpeedLimitSite, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+siteColumns+" FROM speed_limit_sites WHERE tracker_domain = ?", trackerDomain)
	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SpeedLimitSite{}, false, nil
	}
	if err != nil {
		return domain.SpeedLimitSite{}, false, err
	}
	return site, true, nil
}

func (s *SpeedLimitStore) UpsertSite(ctx context.Context, site domain.SpeedLimitSite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO speed_limit_sites (tracker_domain, target_bps, safety_margin, is_u2_style,
			custom_cycle_interval_seconds, download_brake_enabled, reannounce_optimize_enabled,
			peer_list_probe_enabled, peer_list_cookie, peer_list_url_template,
			tid_search_url_template, peer_list_time_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tracker_domain) DO UPDATE SET
			target_bps = excluded.target_bps,
			safety_margin = excluded.safety_margin,
			is_u2_style = excluded.is_u2_style,
			custom_cycle_interval_seconds = excluded.custom_cycle_interval_seconds,
			download_brake_enabled = excluded.download_brake_enabled,
			reannounce_optimize_enabled = excluded.reannounce_optimize_enabled,
			peer_list_probe_enabled = excluded.peer_list_probe_enabled,
			peer_list_cookie = excluded.peer_list_cookie,
			peer_list_url_template = excluded.peer_list_url_template,
			tid_search_url_template = excluded.tid_search_url_template,
			peer_list_time_mode = excluded.peer_list_time_mode`,
		site.TrackerDomain, site.TargetBps, site.SafetyMargin, site.IsU2Style,
		site.CustomCycleIntervalSecs, site.DownloadBrakeEnabled, site.ReannounceOptimizeEnabled,
		site.PeerListProbeEnabled, site.PeerListCookie, site.PeerListURLTemplate,
		site.TIDSearchURLTemplate, site.PeerListTimeMode,
	)
	return err
}

// LoadLimiterState restores the serialized state map; an absent row yields an
// empty map so first start is clean.
func (s *SpeedLimitStore) LoadLimiterState(ctx context.Context) (map[string]*limiter.TorrentState, error) {
	raw, ok, err := s.settings.Get(ctx, speedLimiterStateKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]*limiter.TorrentState{}, nil
	}
	return limiter.UnmarshalState([]byte(raw))
}

func (s *SpeedLimitStore) SaveLimiterState(ctx context.Context, state map[string]*limiter.TorrentState) error {
	blob, err := limiter.MarshalState(state)
	if err != nil {
		return fmt.Errorf("serialize limiter state: %w", err)
	}
	return s.settings.Set(ctx, speedLimiterStateKey, string(blob))
}

// RecordBandwidthDelta appends one ledger row. Callers skip zero-delta rows
//; the store does not re-check.
func (s *SpeedLimitStore) RecordBandwidthDelta(ctx context.Context, downloaderID int64, hash, trackerDomain string, upSpeed, targetSpeed, appliedLimit int64, phase string, deltaUp, deltaDown int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO speed_limit_records (tracker_domain, downloader_id, hash, up_speed,
			target_speed, applied_limit, phase, delta_uploaded, delta_downloaded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trackerDomain, downloaderID, hash, upSpeed, targetSpeed, appliedLimit,
		phase, deltaUp, deltaDown, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert speed limit record: %w", err)
	}
	return nil
}

// SumDeltasSince backs the dashboard's "today uploaded / downloaded" numbers.
func (s *SpeedLimitStore) SumDeltasSince(ctx context.Context, since time.Time) (up, down int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta_uploaded), 0), COALESCE(SUM(delta_downloaded), 0)
		FROM speed_limit_records WHERE created_at >= ?`, since).Scan(&up, &down)
	return up, down, err
}

func (s *SpeedLimitStore) PruneRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM speed_limit_records WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
