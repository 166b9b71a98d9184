// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAnnounceReliabilityTrustsSteadyDecay(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	assert.True(t, st.UpdateAnnounceReliability(now, 1000, 1800, false))
	now = now.Add(100 * time.Second)
	assert.True(t, st.UpdateAnnounceReliability(now, 900, 1800, false))
	now = now.Add(100 * time.Second)
	assert.True(t, st.UpdateAnnounceReliability(now, 805, 1800, false)) // 5s drift tolerated
}

func TestAnnounceReliabilityTwoSuspectsDistrust(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	st.UpdateAnnounceReliability(now, 1000, 1800, false)

	// Expected ~900, observed 400: off by 500 > max(120, 270).
	now = now.Add(100 * time.Second)
	assert.True(t, st.UpdateAnnounceReliability(now, 400, 1800, false)) // first suspect, still trusted

	now = now.Add(100 * time.Second)
	// Expected ~300, observed 1400: second consecutive suspect.
	assert.False(t, st.UpdateAnnounceReliability(now, 1400, 1800, false))
	assert.False(t, st.NextAnnounceIsTrue)
}

func TestAnnounceReliabilityIgnoresForcedReannounceOffset(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	st.UpdateAnnounceReliability(now, 1000, 1800, false)

	// Expected 900, observed 1800: the +900s jump is the known forced-reannounce
	// offset and must not count as a suspect.
	now = now.Add(100 * time.Second)
	assert.True(t, st.UpdateAnnounceReliability(now, 1800, 1800, false))
	assert.Equal(t, 0, st.NextJumpSuspectCount)
}

func TestAnnounceReliabilityRecentReannounceHoldsTrust(t *testing.T) {
	st := NewTorrentState("aaa", "a", "tracker.example")
	now := time.Unix(1_700_000_000, 0)

	st.UpdateAnnounceReliability(now, 1000, 1800, false)
	now = now.Add(60 * time.Second)
	st.UpdateAnnounceReliability(now, 400, 1800, true)
	now = now.Add(60 * time.Second)
	// Two suspects but a recent reannounce: keep trusting.
	assert.True(t, st.UpdateAnnounceReliability(now, 1500, 1800, true))
}
