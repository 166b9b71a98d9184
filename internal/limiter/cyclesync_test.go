// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptctl/fleet/internal/domain"
)

func absTime(base time.Time, offset time.Duration) *int64 {
	v := base.Add(offset).Unix()
	return &v
}

func TestSyncCycleFirstObservationSyncs(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	st.SyncCycle(1000, now, absTime(now, 1500*time.Second), 1800)

	assert.True(t, st.CycleSynced)
	assert.Equal(t, int64(1000), st.CycleStartUploaded)
	assert.Equal(t, int64(1800), st.AnnounceInterval)
	assert.Equal(t, 1500.0, st.CachedTL)
}

func TestSyncCycleRejectsShortAnnounceInterval(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	// min_announce-style values below 300s must never become the interval hint.
	st.SyncCycle(0, now, nil, 120)
	assert.Equal(t, int64(0), st.AnnounceInterval)

	st.SyncCycle(0, now, nil, 300)
	assert.Equal(t, int64(300), st.AnnounceInterval)
}

func TestSyncCycleDetectsRollover(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	st.SyncCycle(1000, now, absTime(now, 100*time.Second), 1800)
	require.True(t, st.CycleSynced)
	require.Equal(t, int64(0), st.CycleIndex)

	// Remaining decays 100 → 50: not a rollover.
	now = now.Add(50 * time.Second)
	st.SyncCycle(2000, now, absTime(now, 50*time.Second), 1800)
	assert.Equal(t, int64(0), st.CycleIndex)

	// Remaining jumps 50 → 1800: new cycle.
	now = now.Add(40 * time.Second)
	st.SyncCycle(3000, now, absTime(now, 1800*time.Second), 1800)
	assert.Equal(t, int64(1), st.CycleIndex)
	assert.Equal(t, int64(3000), st.CycleStartUploaded)
	assert.Equal(t, now, st.CycleStartTime)
	assert.False(t, st.ReannouncedThisCycle)
}

func TestSyncCycleIgnoresRolloverAfterForcedReannounce(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	st.SyncCycle(1000, now, absTime(now, 100*time.Second), 1800)

	now = now.Add(30 * time.Second)
	st.MarkReannounced(now, true)

	// Jump within 120s of the forced reannounce is expected, not a period sample.
	now = now.Add(10 * time.Second)
	st.SyncCycle(1500, now, absTime(now, 1800*time.Second), 1800)
	assert.Equal(t, int64(0), st.CycleIndex)
}

func TestSyncCycleMedianIntervalUpdate(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	st.CycleInterval = 9999
	now := time.Unix(1_700_000_000, 0)

	st.SyncCycle(0, now, absTime(now, 100*time.Second), 0)

	// Three rollovers with observed periods 1700, 1800, 1900 seconds.
	for i, period := range []time.Duration{1700 * time.Second, 1800 * time.Second, 1900 * time.Second} {
		// decay just before the rollover so PrevTL is small
		now = now.Add(period - 20*time.Second)
		st.SyncCycle(int64(i*1000), now, absTime(now, 10*time.Second), 0)
		now = now.Add(20 * time.Second)
		st.SyncCycle(int64(i*1000+500), now, absTime(now, 1800*time.Second), 0)
	}

	assert.Equal(t, int64(3), st.CycleIndex)
	// Median of the observed rollover-to-rollover intervals lands near 1800s.
	assert.InDelta(t, 1800, st.CycleInterval, 60)
}

func TestSyncCycleProjectsCachedRemaining(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	st.SyncCycle(0, now, absTime(now, 600*time.Second), 1800)

	later := now.Add(200 * time.Second)
	assert.InDelta(t, 400, st.TimeLeft(later), 0.1)

	// Projection clamps at zero.
	muchLater := now.Add(2 * time.Hour)
	assert.Equal(t, 0.0, st.TimeLeft(muchLater))
}

// U2-style age ladder with publish_time preference and
// future-publish rejection.
func TestResolveU2CycleInterval(t *testing.T) {
	assert.Equal(t, int64(domain.U2IntervalUnder7Days), ResolveU2CycleInterval(3*24*3600))
	assert.Equal(t, int64(domain.U2IntervalUnder30Days), ResolveU2CycleInterval(20*24*3600))
	assert.Equal(t, int64(domain.U2IntervalDefault), ResolveU2CycleInterval(45*24*3600))
	assert.Equal(t, int64(0), ResolveU2CycleInterval(-1))
}
