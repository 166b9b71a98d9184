// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	st := NewTorrentState("deadbeef", "Some.Release", "tracker.example")
	st.CycleInterval = 1800
	st.CycleSynced = true
	st.TotalUploaded = 123456789
	st.CycleStartUploaded = 1000
	st.CachedTL = 321.5
	st.CacheTS = now
	st.Phase = PhaseSteady
	st.CurrentLimit = 8 << 20
	st.Precision.RecordCycle(1.02)
	st.Kalman.Update(5<<20, now)
	st.PID.Compute(0.1, now, gainsTable[PhaseSteady])
	st.Smooth.Smooth(4<<20, PhaseSteady)
	st.Tracker.Record(now, 5<<20)
	st.Tracker.Record(now.Add(time.Second), 6<<20)
	st.RecordDetail(100, 50, now)

	states := map[string]*TorrentState{"deadbeef": st}
	blob, err := MarshalState(states)
	require.NoError(t, err)

	restored, err := UnmarshalState(blob)
	require.NoError(t, err)
	require.Contains(t, restored, "deadbeef")

	got := restored["deadbeef"]
	assert.Equal(t, st.Hash, got.Hash)
	assert.Equal(t, st.TrackerDomain, got.TrackerDomain)
	assert.Equal(t, st.TotalUploaded, got.TotalUploaded)
	assert.Equal(t, st.CycleInterval, got.CycleInterval)
	assert.Equal(t, st.CachedTL, got.CachedTL)
	assert.Equal(t, st.Phase, got.Phase)
	assert.Equal(t, st.CurrentLimit, got.CurrentLimit)
	assert.Equal(t, st.Precision.CorrectionFactor, got.Precision.CorrectionFactor)
	assert.InDelta(t, st.Kalman.Speed, got.Kalman.Speed, 0.001)
	assert.Equal(t, st.Smooth.Last, got.Smooth.Last)
	assert.True(t, got.Smooth.Initialized)
	assert.Len(t, got.Tracker.samples, 2)
	assert.Equal(t, 6.0*(1<<20), got.Tracker.samples[1].speed)
	assert.Len(t, got.DetailProgress, 1)
}

func TestUnmarshalStateEmptyBlob(t *testing.T) {
	states, err := UnmarshalState(nil)
	require.NoError(t, err)
	assert.Empty(t, states)

	states, err = UnmarshalState([]byte{})
	require.NoError(t, err)
	assert.Empty(t, states)
}

// A legacy blob with no precision data must not restore a zero correction
// factor, which would null the target.
func TestUnmarshalStateDefaultsCorrectionFactor(t *testing.T) {
	blob := []byte(`{"abc": {"Hash": "abc"}}`)
	states, err := UnmarshalState(blob)
	require.NoError(t, err)
	assert.Equal(t, 1.0, states["abc"].Precision.CorrectionFactor)
}

func TestTrackerSerializationTrimsToCap(t *testing.T) {
	w := WindowTracker{}
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < maxTrackerSamples+100; i++ {
		w.samples = append(w.samples, speedSample{t: now, speed: float64(i)})
	}
	blob, err := w.MarshalJSON()
	require.NoError(t, err)

	var restored WindowTracker
	require.NoError(t, restored.UnmarshalJSON(blob))
	assert.Len(t, restored.samples, maxTrackerSamples)
	assert.Equal(t, float64(maxTrackerSamples+99), restored.samples[len(restored.samples)-1].speed)
}
