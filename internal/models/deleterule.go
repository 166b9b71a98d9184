// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ptctl/fleet/internal/domain"
)

type DeleteRuleStore struct {
	db *sql.DB
}

func NewDeleteRuleStore(db *sql.DB) *DeleteRuleStore {
	return &DeleteRuleStore{db: db}
}

const ruleColumns = `id, name, enabled, priority, conditions_json, condition_logic,
	action, speed_cap_bps, force_report, max_delete_count, downloader_ids,
	tracker_filter, tag_filter, delete_files, only_delete_torrent, script_mode`

func scanRule(row interface{ Scan(...any) error }) (domain.DeleteRule, error) {
	var (
		r              domain.DeleteRule
		conditionsJSON string
		downloaderIDs  string
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Enabled, &r.Priority, &conditionsJSON, &r.ConditionLogic,
		&r.Action, &r.SpeedCapBps, &r.ForceReport, &r.MaxDeleteCount, &downloaderIDs,
		&r.TrackerFilter, &r.TagFilter, &r.DeleteFiles, &r.OnlyDeleteTorrent, &r.ScriptMode,
	)
	if err != nil {
		return r, err
	}
	if conditionsJSON != "" {
		if err := json.Unmarshal([]byte(conditionsJSON), &r.Conditions); err != nil {
			return r, fmt.Errorf("decode rule %d conditions: %w", r.ID, err)
		}
	}
	for _, part := range strings.Split(downloaderIDs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		r.DownloaderIDs = append(r.DownloaderIDs, id)
	}
	return r, nil
}

func (s *DeleteRuleStore) ListEnabled(ctx context.Context) ([]domain.DeleteRule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM delete_rules WHERE enabled = 1 ORDER BY priority DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeleteRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DeleteRuleStore) Create(ctx context.Context, r domain.DeleteRule) (domain.DeleteRule, error) {
	conditionsJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return r, fmt.Errorf("encode rule conditions: %w", err)
	}
	ids := make([]string, len(r.DownloaderIDs))
	for i, id := range r.DownloaderIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delete_rules (name, enabled, priority, conditions_json, condition_logic,
			action, speed_cap_bps, force_report, max_delete_count, downloader_ids,
			tracker_filter, tag_filter, delete_files, only_delete_torrent, script_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Enabled, r.Priority, string(conditionsJSON), r.ConditionLogic,
		r.Action, r.SpeedCapBps, r.ForceReport, r.MaxDeleteCount, strings.Join(ids, ","),
		r.TrackerFilter, r.TagFilter, r.DeleteFiles, r.OnlyDeleteTorrent, r.ScriptMode,
	)
	if err != nil {
		return r, fmt.Errorf("insert delete rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

// SetEnabled flips a rule; disabling also drops its hysteresis timers so a
// re-enabled rule restarts its duration window.
func (s *DeleteRuleStore) SetEnabled(ctx context.Context, ruleID int64, enabled bool) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE delete_rules SET enabled = ? WHERE id = ?", enabled, ruleID); err != nil {
		return err
	}
	if !enabled {
		prefix := fmt.Sprintf("r%d:", ruleID)
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM condition_met_since WHERE key LIKE ? || '%'", prefix)
		return err
	}
	return nil
}

// Hysteresis timestamps, keyed (downloader_id, r<rule-id>:<infohash>) so rules
// never share a timer.

func (s *DeleteRuleStore) ConditionMetSince(ctx context.Context, downloaderID int64, key string) (time.Time, bool, error) {
	var since time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT since FROM condition_met_since WHERE downloader_id = ? AND key = ?",
		downloaderID, key).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return since, true, nil
}

func (s *DeleteRuleStore) SetConditionMetSince(ctx context.Context, downloaderID int64, key string, since time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO condition_met_since (downloader_id, key, since) VALUES (?, ?, ?)
		ON CONFLICT (downloader_id, key) DO NOTHING`,
		downloaderID, key, since)
	return err
}

func (s *DeleteRuleStore) ClearConditionMetSince(ctx context.Context, downloaderID int64, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM condition_met_since WHERE downloader_id = ? AND key = ?",
		downloaderID, key)
	return err
}

type DeleteRecordStore struct {
	db *sql.DB
}

func NewDeleteRecordStore(db *sql.DB) *DeleteRecordStore {
	return &DeleteRecordStore{db: db}
}

func (s *DeleteRecordStore) Insert(ctx context.Context, rec domain.DeleteRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delete_records (rule_id, rule_name, downloader_id, hash, name,
			action, size_bytes, ratio, seeding_time, uploaded, downloaded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RuleID, rec.RuleName, rec.DownloaderID, rec.Hash, rec.Name,
		rec.Action, rec.SizeBytes, rec.Ratio, rec.SeedingTime, rec.Uploaded,
		rec.Downloaded, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delete record: %w", err)
	}
	return nil
}

func (s *DeleteRecordStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM delete_records WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
