// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptctl/fleet/internal/database"
	"github.com/ptctl/fleet/internal/deleteengine"
	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/limiter"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db.Conn())
}

func TestDownloaderStoreRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	d, err := store.Downloaders.Create(ctx, domain.Downloader{
		Name:                  "main",
		Flavor:                domain.FlavorQBittorrent,
		Endpoint:              "http://localhost:8080",
		Enabled:               true,
		AutoSpeedLimitAllowed: true,
	})
	require.NoError(t, err)
	require.NotZero(t, d.ID)

	got, err := store.GetDownloader(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
	assert.Equal(t, domain.FlavorQBittorrent, got.Flavor)

	limited, err := store.ListSpeedLimitedDownloaders(ctx)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	reann, err := store.ListAutoReannounceDownloaders(ctx)
	require.NoError(t, err)
	assert.Empty(t, reann)

	_, err = store.GetDownloader(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLimiterStatePersistence(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Empty database yields an empty, non-nil map.
	state, err := store.LoadLimiterState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Empty(t, state)

	st := limiter.NewTorrentState("deadbeef", "n", "tracker.example")
	st.CycleInterval = 1800
	st.TotalUploaded = 42
	state["deadbeef"] = st
	require.NoError(t, store.SaveLimiterState(ctx, state))

	restored, err := store.LoadLimiterState(ctx)
	require.NoError(t, err)
	require.Contains(t, restored, "deadbeef")
	assert.Equal(t, int64(1800), restored["deadbeef"].CycleInterval)
	assert.Equal(t, int64(42), restored["deadbeef"].TotalUploaded)
	assert.Equal(t, 1.0, restored["deadbeef"].Precision.CorrectionFactor)
}

func TestRSSRecordDedup(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	feed, err := store.Feeds.Create(ctx, domain.RSSFeed{Name: "f", URL: "http://x", FetchInterval: 300 * time.Second})
	require.NoError(t, err)

	rec := domain.RSSRecord{FeedID: feed.ID, Link: "http://x/download.php?id=1", Title: "a", CreatedAt: time.Now()}
	require.NoError(t, store.InsertRecord(ctx, rec))
	// Duplicate (feed_id, link) insert is a no-op.
	require.NoError(t, store.InsertRecord(ctx, rec))

	total, _, err := store.RSSRecords.CountByFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	existing, err := store.ExistingLinks(ctx, feed.ID, []string{rec.Link, "http://x/other"})
	require.NoError(t, err)
	assert.True(t, existing[rec.Link])
	assert.False(t, existing["http://x/other"])
}

func TestFeedListDue(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	feed, err := store.Feeds.Create(ctx, domain.RSSFeed{Name: "f", URL: "http://x", FetchInterval: 300 * time.Second})
	require.NoError(t, err)

	// Never fetched: due immediately.
	due, err := store.ListDueFeeds(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, store.MarkFeedProcessed(ctx, feed.ID, true, now))

	due, err = store.ListDueFeeds(ctx, now.Add(100*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ListDueFeeds(ctx, now.Add(301*time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].FirstRunDone)
}

// Hysteresis keys are per (downloader, rule, torrent): rules never share a
// timer, and timers survive a restart because they
// live in the database.
func TestHysteresisKeysIndependent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()

	k1 := deleteengine.HysteresisKey(1, "deadbeef")
	k2 := deleteengine.HysteresisKey(2, "deadbeef")
	require.NotEqual(t, k1, k2)

	require.NoError(t, store.SetConditionMetSince(ctx, 1, k1, t0))
	require.NoError(t, store.SetConditionMetSince(ctx, 1, k2, t0.Add(time.Hour)))

	// A second stamp must not move the original timestamp.
	require.NoError(t, store.SetConditionMetSince(ctx, 1, k1, t0.Add(2*time.Hour)))

	since1, ok, err := store.ConditionMetSince(ctx, 1, k1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, t0, since1, time.Second)

	// Clearing rule 2's timer leaves rule 1's untouched.
	require.NoError(t, store.ClearConditionMetSince(ctx, 1, k2))
	_, ok, err = store.ConditionMetSince(ctx, 1, k2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.ConditionMetSince(ctx, 1, k1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same key under a different downloader is independent too.
	_, ok, err = store.ConditionMetSince(ctx, 2, k1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRuleRoundTripAndDisableClearsTimers(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rule, err := store.Rules.Create(ctx, domain.DeleteRule{
		Name:    "seed-done",
		Enabled: true,
		Priority: 5,
		Conditions: []domain.DeleteCondition{
			{Field: domain.FieldRatio, Operator: domain.OpGTE, Value: "3.0", DurationSecs: 600},
		},
		ConditionLogic: domain.LogicAll,
		Action:         domain.ActionDelete,
		DownloaderIDs:  []int64{1, 2},
	})
	require.NoError(t, err)

	rules, err := store.ListEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []int64{1, 2}, rules[0].DownloaderIDs)
	require.Len(t, rules[0].Conditions, 1)
	assert.Equal(t, domain.FieldRatio, rules[0].Conditions[0].Field)

	key := deleteengine.HysteresisKey(rule.ID, "deadbeef")
	require.NoError(t, store.SetConditionMetSince(ctx, 1, key, time.Now()))

	require.NoError(t, store.Rules.SetEnabled(ctx, rule.ID, false))
	_, ok, err := store.ConditionMetSince(ctx, 1, key)
	require.NoError(t, err)
	assert.False(t, ok, "disabling a rule drops its timers")

	rules, err = store.ListEnabledRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestSpeedLimitConfigAndSites(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Unset config reads back zero-valued.
	cfg, err := store.GlobalSpeedLimitConfig(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	require.NoError(t, store.SpeedLimits.SaveGlobalConfig(ctx, domain.SpeedLimitConfig{
		Enabled: true, TargetBps: 10 << 20, SafetyMargin: 0.1,
	}))
	cfg, err = store.GlobalSpeedLimitConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, int64(10<<20), cfg.TargetBps)

	_, ok, err := store.SiteRuleFor(ctx, "unknown.example")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SpeedLimits.UpsertSite(ctx, domain.SpeedLimitSite{
		TrackerDomain: "u2.example", IsU2Style: true, PeerListTimeMode: domain.PeerListElapsed,
	}))
	site, ok, err := store.SiteRuleFor(ctx, "u2.example")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, site.IsU2Style)

	// Upsert updates in place.
	site.TargetBps = 5 << 20
	require.NoError(t, store.SpeedLimits.UpsertSite(ctx, site))
	site, _, err = store.SiteRuleFor(ctx, "u2.example")
	require.NoError(t, err)
	assert.Equal(t, int64(5<<20), site.TargetBps)
}

func TestBandwidthLedgerAndPrune(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordBandwidthDelta(ctx, 1, "aaa", "tracker.example", 100, 200, 150, "steady", 5000, 100))
	require.NoError(t, store.RecordBandwidthDelta(ctx, 1, "aaa", "tracker.example", 100, 200, 150, "steady", 3000, 0))

	up, down, err := store.SpeedLimits.SumDeltasSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(8000), up)
	assert.Equal(t, int64(100), down)

	// Nothing is old enough to prune yet.
	require.NoError(t, store.PruneRecords(ctx, time.Now().Add(-24*time.Hour)))
	up, _, err = store.SpeedLimits.SumDeltasSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(8000), up)

	// Everything older than a future cutoff goes away.
	require.NoError(t, store.PruneRecords(ctx, time.Now().Add(time.Hour)))
	up, _, err = store.SpeedLimits.SumDeltasSince(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), up)
}

func TestSettingsDeleteCheckInterval(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Default when unset.
	interval, err := store.DeleteCheckInterval(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, interval)

	require.NoError(t, store.Settings.Set(ctx, KeyDeleteCheckInterval, "120"))
	interval, err = store.DeleteCheckInterval(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, interval)

	// Clamped to [5, 3600].
	require.NoError(t, store.Settings.Set(ctx, KeyDeleteCheckInterval, "1"))
	interval, err = store.DeleteCheckInterval(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, interval)

	require.NoError(t, store.Settings.Set(ctx, KeyDeleteCheckInterval, "999999"))
	interval, err = store.DeleteCheckInterval(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3600*time.Second, interval)
}

func TestMagicRecords(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seen, err := store.MagicLinkSeen(ctx, "http://x/1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.InsertMagicRecord(ctx, domain.MagicRecord{
		Title: "promo", Link: "http://x/1", CreatedAt: time.Now(),
	}))
	seen, err = store.MagicLinkSeen(ctx, "http://x/1")
	require.NoError(t, err)
	assert.True(t, seen)

	cfg, err := store.MagicConfig(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	require.NoError(t, store.Magic.SaveConfig(ctx, domain.U2MagicConfig{Enabled: true, FeedURL: "http://x/rss"}))
	cfg, err = store.MagicConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http://x/rss", cfg.FeedURL)
}

func TestDeleteRecordInsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertDeleteRecord(ctx, domain.DeleteRecord{
		RuleID: 1, RuleName: "r", DownloaderID: 2, Hash: "aaa", Name: "n",
		Action: domain.ActionDelete, Ratio: 3.5, CreatedAt: time.Now(),
	}))
}
