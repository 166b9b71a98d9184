// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import "time"

// downloadBrakeThresholdBps is the average-upload-speed trigger for the download
// brake.
const downloadBrakeThresholdBps = 50 * 1024 * 1024

// downloadBrakeMaxBps is the absolute ceiling any brake-adjusted download limit may
// reach.
const downloadBrakeMaxBps = 512_000 * 1024

const (
	downloadBrakeStepUp   = 1.5
	downloadBrakeStepDown = 1.0 / 1.5
)

// averageUploadSpeed averages the "up" deltas recorded in DetailProgress over the
// window, falling back to the current Kalman estimate when no samples exist yet.
func averageUploadSpeed(samples []DetailSample, now time.Time, window time.Duration, fallback float64) float64 {
	cutoff := now.Add(-window)
	var sum float64
	var n int
	var prev *DetailSample
	for i := range samples {
		s := &samples[i]
		if s.T.Before(cutoff) {
			prev = s
			continue
		}
		if prev != nil {
			dt := s.T.Sub(prev.T).Seconds()
			if dt > 0 {
				sum += float64(s.Up-prev.Up) / dt
				n++
			}
		}
		prev = s
	}
	if n == 0 {
		return fallback
	}
	return sum / float64(n)
}

// ApplyDownloadBrake adjusts CurrentDownloadLimit when enabled by site config and the
// torrent is downloading, extending completion time until the average upload speed
// recedes below threshold, then releasing the brake once it recovers.
func (s *TorrentState) ApplyDownloadBrake(now time.Time, enabled, isDownloading bool, kalmanSpeed float64, etaWindow time.Duration) {
	if !enabled || !isDownloading {
		s.CurrentDownloadLimit = 0
		return
	}

	avgUp := averageUploadSpeed(s.DetailProgress, now, 5*time.Minute, kalmanSpeed)
	if s.ETA > 0 && s.ETA > etaWindow {
		// Not yet near completion; no need to brake.
		return
	}

	switch {
	case avgUp > downloadBrakeThresholdBps:
		next := float64(s.CurrentDownloadLimit) * downloadBrakeStepDown
		if s.CurrentDownloadLimit == 0 {
			next = float64(s.DownloadSpeed) * downloadBrakeStepDown
		}
		if next > downloadBrakeMaxBps {
			next = downloadBrakeMaxBps
		}
		if next < minQuantizedLimit {
			next = minQuantizedLimit
		}
		s.CurrentDownloadLimit = int64(next)

	case avgUp <= downloadBrakeThresholdBps && s.CurrentDownloadLimit > 0:
		next := float64(s.CurrentDownloadLimit) * downloadBrakeStepUp
		if next > downloadBrakeMaxBps {
			s.CurrentDownloadLimit = 0 // fully released
			return
		}
		s.CurrentDownloadLimit = int64(next)
	}
}
