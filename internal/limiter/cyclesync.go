// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"sort"
	"time"

	"github.com/ptctl/fleet/internal/domain"
)

// rolloverJumpThresholdSecs is how far observed remaining time must jump upward,
// after a steady decrease, to be recognized as a new announce cycle.
const rolloverJumpThresholdSecs = 30

// manualReannounceGraceSecs suppresses rollover detection shortly after a forced
// reannounce, since the resulting jump is expected and not a true period sample.
const manualReannounceGraceSecs = 120

// minTrustedAnnounceIntervalSecs is the floor below which an adapter-reported
// announce interval (or min_announce) must never be trusted as a cycle interval.
const minTrustedAnnounceIntervalSecs = 300

// maxIntervalSamples caps the rollover-to-rollover interval history used to derive
// cycle_interval by median.
const maxIntervalSamples = 5

// minRolloversForMedianUpdate is "at least 2 rollover-to-rollover intervals observed"
// before cycle_interval is updated from the median.
const minRolloversForMedianUpdate = 2

// SyncCycle applies rollover detection and updates the cycle basis of s given a fresh
// observation. totalUploaded is the adapter's cumulative uploaded-bytes counter;
// nextAnnounce is the normalized absolute next-announce unix time, or nil if unknown;
// reportedIntervalSecs is the adapter-reported announce interval, 0 if unavailable.
func (s *TorrentState) SyncCycle(totalUploaded int64, now time.Time, nextAnnounce *int64, reportedIntervalSecs int64) {
	s.TotalUploaded = totalUploaded

	if reportedIntervalSecs >= minTrustedAnnounceIntervalSecs {
		s.AnnounceInterval = reportedIntervalSecs
	}

	var remaining float64
	haveRemaining := false
	if nextAnnounce != nil {
		remaining = float64(*nextAnnounce - now.Unix())
		if remaining < 0 {
			remaining = 0
		}
		s.CachedTL = remaining
		s.CacheTS = now
		haveRemaining = true
	} else if s.CacheTS.IsZero() {
		haveRemaining = false
	} else {
		elapsed := now.Sub(s.CacheTS).Seconds()
		remaining = s.CachedTL - elapsed
		if remaining < 0 {
			remaining = 0
		}
		haveRemaining = true
	}

	if !haveRemaining {
		if !s.CycleSynced {
			s.CycleStartTime = now
			s.CycleStartUploaded = totalUploaded
		}
		return
	}

	withinGrace := !s.LastForceReannounce.IsZero() && now.Sub(s.LastForceReannounce) < manualReannounceGraceSecs*time.Second
	isRollover := s.CycleSynced && !withinGrace && s.PrevTL > 0 && remaining > s.PrevTL+rolloverJumpThresholdSecs

	if isRollover {
		s.rollover(now, totalUploaded)
	} else if !s.CycleSynced {
		s.CycleStartTime = now
		s.CycleStartUploaded = totalUploaded
		s.CycleSynced = true
	}

	s.PrevTL = remaining
}

// rollover starts a new cycle and, once enough samples exist, updates CycleInterval
// to the median of the last maxIntervalSamples rollover-to-rollover intervals.
func (s *TorrentState) rollover(now time.Time, totalUploaded int64) {
	if !s.CycleStartTime.IsZero() {
		observedInterval := now.Sub(s.CycleStartTime).Seconds()
		s.IntervalSamples = append(s.IntervalSamples, observedInterval)
		if len(s.IntervalSamples) > maxIntervalSamples {
			s.IntervalSamples = s.IntervalSamples[len(s.IntervalSamples)-maxIntervalSamples:]
		}
	}

	s.CycleStartUploaded = totalUploaded
	s.CycleStartTime = now
	s.CycleIndex++
	s.CycleSynced = true
	s.ReannouncedThisCycle = false

	if len(s.IntervalSamples) >= minRolloversForMedianUpdate {
		s.CycleInterval = int64(median(s.IntervalSamples))
	}
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// ResolveU2CycleInterval implements the U2-convention age-dependent ladder. age is
// derived by the caller's preference order (publish_time > seeding_time > added_time),
// with future-dated publish times already rejected before this is called.
func ResolveU2CycleInterval(ageSecs int64) int64 {
	switch {
	case ageSecs < 0:
		return 0
	case ageSecs < domain.U2AgeThreshold7Days:
		return domain.U2IntervalUnder7Days
	case ageSecs < domain.U2AgeThreshold30Days:
		return domain.U2IntervalUnder30Days
	default:
		return domain.U2IntervalDefault
	}
}
