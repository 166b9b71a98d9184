// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mib = 1024 * 1024
	gib = 1024 * 1024 * 1024
)

// No-limit idleness: when the soft predicted total stays below target, the
// limiter emits limit = 0.
func TestCalculateLimitIdleWhenUnderTarget(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)
	st.CycleInterval = 1800
	st.SyncCycle(0, now, absTime(now, 1800*time.Second), 1800)

	// 1 MiB/s against a 10 MiB/s target: never needs limiting.
	res := st.CalculateLimit(Input{
		Now:             now,
		CurrentSpeedBps: 1 * mib,
		TargetBps:       10 * mib,
		SafetyMargin:    0.10,
	})
	assert.Equal(t, int64(0), res.Limit)
	assert.Equal(t, PhaseIdle, res.Phase)
}

// Ratio safety cap: cycle progress 0.95, current speed 30 MiB/s
// against a 10 MiB/s target: the limit must be <= adjusted target × 1.3 no
// matter what the PID wants.
func TestCalculateLimitOverSpeedProtection(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)
	st.CycleInterval = 1800

	targetTotal := 10.0 * mib * 0.9 * 1800 // 16200 MiB with margin
	st.SyncCycle(0, now, absTime(now, 1800*time.Second), 1800)
	// Advance uploads to 95% of the target total with 100s remaining.
	now = now.Add(1700 * time.Second)
	st.TotalUploaded = int64(targetTotal * 0.95)
	st.CachedTL = 100
	st.CacheTS = now

	res := st.CalculateLimit(Input{
		Now:             now,
		CurrentSpeedBps: 30 * mib,
		TargetBps:       10 * mib,
		SafetyMargin:    0.10,
	})
	require.NotEqual(t, int64(0), res.Limit)
	assert.LessOrEqual(t, res.Limit, int64(10*mib*1.3))
}

// A 25 MiB/s burst against a 10 MiB/s target over an
// 1800s cycle. The controller must stay at 0 early (warmup allowance), engage
// a cap once the prediction exceeds budget, and keep the final cycle upload
// within the budget bound once past the warmup cycles.
func TestControlLoopEngagesAndBounds(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	start := time.Unix(1_700_000_000, 0)
	st.CycleInterval = 1800

	const (
		target       = 10 * mib
		safetyMargin = 0.10
		cycleSecs    = 1800
	)
	targetTotal := float64(target) * (1 - safetyMargin) * cycleSecs

	var uploaded float64
	var firstLimitAt time.Duration = -1
	now := start
	st.SyncCycle(0, now, absTime(now, cycleSecs*time.Second), cycleSecs)

	limit := int64(0)
	for sec := 0; sec < cycleSecs; sec++ {
		now = start.Add(time.Duration(sec) * time.Second)

		// The peer swarm offers 25 MiB/s for the first 300s, then 10 MiB/s;
		// the applied cap bounds what actually flows.
		offered := 25.0 * mib
		if sec >= 300 {
			offered = 10.0 * mib
		}
		actual := offered
		if limit > 0 && float64(limit) < actual {
			actual = float64(limit)
		}
		uploaded += actual

		st.SyncCycle(int64(uploaded), now, nil, cycleSecs)
		res := st.CalculateLimit(Input{
			Now:             now,
			CurrentSpeedBps: actual,
			TargetBps:       target,
			SafetyMargin:    safetyMargin,
		})
		limit = res.Limit
		if limit > 0 && firstLimitAt < 0 {
			firstLimitAt = time.Duration(sec) * time.Second
		}
	}

	require.Greater(t, firstLimitAt, time.Duration(0), "limiting should have engaged")
	// The 60s warmup allowance passed uncapped, and engagement landed before the
	// budget was exhausted.
	assert.Greater(t, firstLimitAt, 60*time.Second)
	assert.Less(t, firstLimitAt, 1500*time.Second)

	// Budget bound with warmup allowance: within 10% over the budget.
	assert.LessOrEqual(t, uploaded, targetTotal*1.10,
		"cycle upload %0.2f GiB exceeded bound %0.2f GiB", uploaded/gib, targetTotal*1.10/gib)
	// And utilization shouldn't collapse: at least 60% of budget used.
	assert.GreaterOrEqual(t, uploaded, targetTotal*0.60)
}

func TestDerivePhase(t *testing.T) {
	assert.Equal(t, PhaseIdle, derivePhase(false, true, 10))
	assert.Equal(t, PhaseWarmup, derivePhase(true, false, 10))
	assert.Equal(t, PhaseFinish, derivePhase(true, true, 20))
	assert.Equal(t, PhaseSteady, derivePhase(true, true, 100))
	assert.Equal(t, PhaseCatch, derivePhase(true, true, 500))
}

func TestCatchGivesUpWhenHopelesslyBehind(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)
	st.CycleInterval = 1800
	st.SyncCycle(0, now, absTime(now, 300*time.Second), 1800)

	// Nothing uploaded, tiny time left: required >> 5× target, so let it run.
	now = now.Add(100 * time.Second)
	res := st.CalculateLimit(Input{
		Now:             now,
		CurrentSpeedBps: 30 * mib,
		TargetBps:       1 * mib,
		SafetyMargin:    0.10,
	})
	if res.Phase == PhaseCatch {
		assert.Equal(t, int64(0), res.Limit)
	}
}

func TestUploadedInCycleClampsOnCounterReset(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	st.CycleStartUploaded = 5000
	st.TotalUploaded = 300 // client restarted, counter reset
	assert.Equal(t, int64(0), st.UploadedInCycle())
}

func TestPastWarmupAllowance(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	assert.False(t, st.PastWarmupAllowance())
	st.CycleIndex = 3
	assert.True(t, st.PastWarmupAllowance())
}
