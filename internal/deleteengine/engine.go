// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package deleteengine

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader"
)

// forceReportWait is how long the engine waits after a pre-delete reannounce so
// the tracker sees the torrent's final stats before removal.
const forceReportWait = 2 * time.Second

// HysteresisKey builds the mandatory `r<rule-id>:<infohash>` key form so that two
// rules matching the same torrent hold independent timers.
func HysteresisKey(ruleID int64, hash string) string {
	return fmt.Sprintf("r%d:%s", ruleID, hash)
}

// Store is the persistence seam the engine needs: rules, downloaders, the
// duration-hysteresis timestamps (persisted so restarts do not forget partial
// progress), and the append-only delete-record history.
type Store interface {
	ListEnabledRules(ctx context.Context) ([]domain.DeleteRule, error)
	ListEnabledDownloaders(ctx context.Context) ([]domain.Downloader, error)

	ConditionMetSince(ctx context.Context, downloaderID int64, key string) (time.Time, bool, error)
	SetConditionMetSince(ctx context.Context, downloaderID int64, key string, since time.Time) error
	ClearConditionMetSince(ctx context.Context, downloaderID int64, key string) error

	InsertDeleteRecord(ctx context.Context, rec domain.DeleteRecord) error
}

// RunOpts distinguishes a scheduled run from a user-triggered manual one, which
// may force-through the downloader auto_delete flag and the delete-files flags.
type RunOpts struct {
	Manual           bool
	ForceDeleteFiles bool
}

// Engine executes delete rules in priority-descending order against every
// in-scope downloader.
type Engine struct {
	store    Store
	notifier domain.Notifier
	log      zerolog.Logger

	now     func() time.Time
	sleep   func(time.Duration)
	factory func(domain.Downloader) (downloader.Adapter, error)
}

func NewEngine(store Store, notifier domain.Notifier, log zerolog.Logger) *Engine {
	if notifier == nil {
		notifier = domain.NoopNotifier{}
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		log:      log.With().Str("component", "delete").Logger(),
		now:      time.Now,
		sleep:    time.Sleep,
		factory:  downloader.Factory,
	}
}

// Run evaluates every enabled rule once. Per-rule and per-torrent failures are
// contained: a failing downloader or adapter call skips that unit and the run
// carries on.
func (e *Engine) Run(ctx context.Context, opts RunOpts) error {
	rules, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("delete: list rules: %w", err)
	}
	sortRules(rules)

	downloaders, err := e.store.ListEnabledDownloaders(ctx)
	if err != nil {
		return fmt.Errorf("delete: list downloaders: %w", err)
	}

	for _, rule := range rules {
		targets := e.scopeDownloaders(rule, downloaders, opts.Manual)
		if len(targets) == 0 {
			continue
		}
		e.runRule(ctx, rule, targets, opts)
	}
	return nil
}

// sortRules orders by priority descending; within same priority, id ascending.
func sortRules(rules []domain.DeleteRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// scopeDownloaders intersects the rule's downloader subset with the enabled
// downloaders that allow auto-delete; a manual run forces through the
// auto_delete flag.
func (e *Engine) scopeDownloaders(rule domain.DeleteRule, all []domain.Downloader, manual bool) []domain.Downloader {
	explicit := make(map[int64]bool, len(rule.DownloaderIDs))
	for _, id := range rule.DownloaderIDs {
		explicit[id] = true
	}

	var out []domain.Downloader
	for _, d := range all {
		if len(explicit) > 0 && !explicit[d.ID] {
			continue
		}
		if !manual && !d.AutoDeleteAllowed {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (e *Engine) runRule(ctx context.Context, rule domain.DeleteRule, targets []domain.Downloader, opts RunOpts) {
	actionsDone := 0
	var deletedNames []string

	for _, d := range targets {
		if rule.MaxDeleteCount > 0 && actionsDone >= rule.MaxDeleteCount {
			break
		}
		n, names, err := e.runRuleOnDownloader(ctx, rule, d, opts, actionsDone)
		if err != nil {
			e.log.Error().Err(err).Str("rule", rule.Name).Str("downloader", d.Name).Msg("rule run failed on downloader")
			continue
		}
		actionsDone += n
		deletedNames = append(deletedNames, names...)
	}

	if len(deletedNames) > 0 {
		e.notifyDeleted(ctx, rule, deletedNames)
	}
}

// runRuleOnDownloader returns the number of completed actions and the
// names of torrents actually deleted.
func (e *Engine) runRuleOnDownloader(ctx context.Context, rule domain.DeleteRule, d domain.Downloader, opts RunOpts, alreadyDone int) (int, []string, error) {
	adapter, err := e.factory(d)
	if err != nil {
		return 0, nil, err
	}

	actionsDone := 0
	var deletedNames []string
	err = downloader.WithSession(ctx, adapter, func(ctx context.Context) error {
		torrents, err := adapter.GetTorrents(ctx, domain.GetOpts{})
		if err != nil {
			return fmt.Errorf("get torrents: %w", err)
		}
		stats, _ := adapter.GetStats(ctx)

		var downloading, seeding int
		for _, t := range torrents {
			switch t.Status {
			case domain.StatusDownloading:
				downloading++
			case domain.StatusSeeding:
				seeding++
			}
		}

		now := e.now()
		durationSecs := RuleDurationSecs(rule)

		for _, t := range torrents {
			if rule.MaxDeleteCount > 0 && alreadyDone+actionsDone >= rule.MaxDeleteCount {
				break
			}
			if !e.inScope(rule, t) {
				continue
			}

			evalCtx := domain.EvalContext{
				Torrent:           t,
				FreeSpaceBytes:    stats.FreeSpaceBytes,
				GlobalDownloading: downloading,
				GlobalSeeding:     seeding,
				NowUnix:           func() int64 { return now.Unix() },
			}

			matched := e.evaluate(rule, evalCtx)
			key := HysteresisKey(rule.ID, t.Hash)

			if !matched {
				if err := e.store.ClearConditionMetSince(ctx, d.ID, key); err != nil {
					e.log.Warn().Err(err).Str("key", key).Msg("clear hysteresis failed")
				}
				continue
			}

			if durationSecs > 0 {
				since, ok, err := e.store.ConditionMetSince(ctx, d.ID, key)
				if err != nil {
					e.log.Warn().Err(err).Str("key", key).Msg("read hysteresis failed")
					continue
				}
				if !ok {
					if err := e.store.SetConditionMetSince(ctx, d.ID, key, now); err != nil {
						e.log.Warn().Err(err).Str("key", key).Msg("stamp hysteresis failed")
					}
					continue
				}
				if now.Sub(since) < time.Duration(durationSecs)*time.Second {
					continue
				}
			}

			deleted, err := e.execute(ctx, adapter, rule, t, opts)
			if err != nil {
				e.log.Warn().Err(err).Str("rule", rule.Name).Str("hash", t.Hash).Msg("action failed")
				continue
			}
			actionsDone++
			if deleted {
				deletedNames = append(deletedNames, t.Name)
			}
			_ = e.store.ClearConditionMetSince(ctx, d.ID, key)
			e.record(ctx, rule, d, t, now)
		}
		return nil
	})
	return actionsDone, deletedNames, err
}

// inScope applies the rule's tracker/tag substring filters.
func (e *Engine) inScope(rule domain.DeleteRule, t domain.TorrentDescriptor) bool {
	if rule.TrackerFilter != "" {
		if !strings.Contains(strings.ToLower(trackerDomain(t.TrackerURL)), strings.ToLower(rule.TrackerFilter)) {
			return false
		}
	}
	if rule.TagFilter != "" {
		joined := strings.ToLower(strings.Join(t.Tags, ","))
		if !strings.Contains(joined, strings.ToLower(rule.TagFilter)) {
			return false
		}
	}
	return true
}

func trackerDomain(trackerURL string) string {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return trackerURL
	}
	return u.Hostname()
}

func (e *Engine) evaluate(rule domain.DeleteRule, ctx domain.EvalContext) bool {
	if rule.ScriptMode != "" {
		return EvaluateScript(rule.ScriptMode, ctx)
	}
	return EvaluateRule(rule, ctx)
}

// execute dispatches the rule's action; returns whether a delete occurred.
func (e *Engine) execute(ctx context.Context, adapter downloader.Adapter, rule domain.DeleteRule, t domain.TorrentDescriptor, opts RunOpts) (bool, error) {
	switch rule.Action {
	case domain.ActionPause:
		return false, adapter.Pause(ctx, t.Hash)

	case domain.ActionApplySpeedCap:
		if err := adapter.SetTorrentUploadLimit(ctx, t.Hash, rule.SpeedCapBps); err != nil {
			return false, err
		}
		return false, adapter.SetTorrentDownloadLimit(ctx, t.Hash, rule.SpeedCapBps)

	case domain.ActionDelete, domain.ActionDeleteWithFiles:
		if rule.ForceReport {
			if err := adapter.Reannounce(ctx, t.Hash); err == nil {
				e.sleep(forceReportWait)
			}
		}
		deleteFiles := opts.ForceDeleteFiles ||
			rule.Action == domain.ActionDeleteWithFiles ||
			(rule.DeleteFiles && !rule.OnlyDeleteTorrent)
		if err := adapter.Remove(ctx, t.Hash, deleteFiles); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: delete action %q", domain.ErrUnsupportedOp, rule.Action)
	}
}

func (e *Engine) record(ctx context.Context, rule domain.DeleteRule, d domain.Downloader, t domain.TorrentDescriptor, now time.Time) {
	rec := domain.DeleteRecord{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		DownloaderID: d.ID,
		Hash:         t.Hash,
		Name:         t.Name,
		Action:       rule.Action,
		SizeBytes:    t.Size,
		Ratio:        t.Ratio,
		SeedingTime:  t.SeedingTimeSecs,
		Uploaded:     t.Uploaded,
		Downloaded:   t.Downloaded,
		CreatedAt:    now,
	}
	if err := e.store.InsertDeleteRecord(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("hash", t.Hash).Msg("insert delete record failed")
	}
}

func (e *Engine) notifyDeleted(ctx context.Context, rule domain.DeleteRule, names []string) {
	event := domain.Event{
		Name: domain.EventDelete,
		Payload: map[string]any{
			"rule":     rule.Name,
			"torrents": names,
		},
	}
	if len(names) > 1 {
		event.Name = domain.EventDeleteBatch
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.log.Warn().Err(err).Msg("delete notification failed")
	}
}
