// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import "time"

// minReannounceIntervalSecs is the cooldown between opportunistic reannounces.
const minReannounceIntervalSecs = 900

// ShouldOpportunisticReannounce decides whether to force a reannounce this tick,
// given the cycle's current prediction. speedEstimate is the Kalman-filtered speed.
func (s *TorrentState) ShouldOpportunisticReannounce(now time.Time, speedEstimate, targetTotal, uploadedInCycle, T, cycleProgress float64) bool {
	if !s.LastReannounce.IsZero() && now.Sub(s.LastReannounce) < minReannounceIntervalSecs*time.Second {
		return false
	}
	if s.ReannouncedThisCycle {
		return false
	}

	if T > 0 && T <= 120 {
		predictedTotal := uploadedInCycle + maxF(speedEstimate*T, 0)
		if predictedTotal > targetTotal*1.05 && speedEstimate > 0 {
			tStar := (targetTotal - uploadedInCycle) / speedEstimate
			if tStar >= 0 && tStar <= T/2 {
				return true
			}
		}
	}

	if T < 60 && T > 0 && cycleProgress > 0.9 {
		return true
	}

	return false
}

// MarkReannounced records that a reannounce was just issued, for both the cooldown
// and the "only once per cycle" bookkeeping.
func (s *TorrentState) MarkReannounced(now time.Time, forced bool) {
	s.LastReannounce = now
	s.ReannouncedThisCycle = true
	if forced {
		s.LastForceReannounce = now
	}
}
