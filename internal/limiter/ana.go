// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import "time"

// forcedReannounceOffsetSecs is the known jump magnitude a forced reannounce
// introduces into the observed remaining-time series, which must not itself be
// misread as a suspect jump.
const forcedReannounceOffsetSecs = 900
const forcedReannounceOffsetTolerance = 60

const suspectsToDistrust = 2

// UpdateAnnounceReliability implements the "ana" (next-announce reliability) flag:
// each poll compares the observed next_remaining against what would be expected by
// simple decay from the last observation, flagging a suspect when the two diverge
// by more than max(120s, 0.15*cycle_interval) and the divergence isn't the known
// forced-reannounce offset. Returns whether next_announce is currently trusted.
func (s *TorrentState) UpdateAnnounceReliability(now time.Time, observedRemaining float64, cycleIntervalSecs int64, recentlyReannounced bool) bool {
	if s.LastNextUpdateTime.IsZero() {
		s.LastNextRemaining = observedRemaining
		s.LastNextUpdateTime = now
		s.NextAnnounceIsTrue = true
		return true
	}

	elapsed := now.Sub(s.LastNextUpdateTime).Seconds()
	expected := s.LastNextRemaining - elapsed
	if cycleIntervalSecs > 0 {
		for expected < 0 {
			expected += float64(cycleIntervalSecs)
		}
	}

	diff := observedRemaining - expected
	threshold := maxF(120, 0.15*float64(cycleIntervalSecs))
	isForcedOffset := abs(abs(diff)-forcedReannounceOffsetSecs) <= forcedReannounceOffsetTolerance

	suspect := abs(diff) > threshold && !isForcedOffset

	if suspect {
		s.NextJumpSuspectCount++
	} else {
		s.NextJumpSuspectCount = 0
	}

	s.LastNextRemaining = observedRemaining
	s.LastNextUpdateTime = now

	if s.NextJumpSuspectCount >= suspectsToDistrust && !recentlyReannounced {
		s.NextAnnounceIsTrue = false
	} else {
		s.NextAnnounceIsTrue = true
	}
	return s.NextAnnounceIsTrue
}
