// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package limiter implements the per-torrent announce-cycle speed controller: cycle
// synchronization from noisy announce timing, Kalman-filtered speed estimation,
// multi-window speed tracking, phased PID control, quantization, smoothing, precision
// self-correction across cycles, opportunistic reannounce, and a download-speed brake.
//
// Each sub-controller (Kalman, PID, WindowTracker, PrecisionTracker, Smoother) is an
// independent value type composed into TorrentState.
package limiter

import "time"

// reactionBufferSecs / floorSpeedFraction feed the "soft predicted total"
// trigger gate in control.go.
const (
	reactionBufferSecs = 10
	floorSpeedFraction = 0.12
)

// warmupAllowanceCycles is the number of cold-start cycles during which the
// per-cycle budget bound is not expected to hold.
const warmupAllowanceCycles = 2

// TorrentState is the full per-torrent persisted state. All fields round-trip
// through JSON so the service can serialize the whole map to the single
// `speed_limiter_state` blob.
type TorrentState struct {
	Hash          string
	Name          string
	TrackerDomain string

	TotalUploaded        int64
	CycleStartUploaded   int64
	LastRecordUploaded   int64
	LastRecordDownloaded int64

	CycleStartTime  time.Time
	CycleInterval   int64
	CycleSynced     bool
	CycleIndex      int64
	AnnounceInterval int64
	MinAnnounce     int64
	PublishTime     time.Time
	SeedingTime     int64
	TimeAdded       time.Time

	NextAnnounceTime    *int64
	CachedTL            float64
	CacheTS             time.Time
	PrevTL              float64
	LastAnnounceTime    time.Time
	LastReannounce      time.Time
	LastForceReannounce time.Time
	ReannouncedThisCycle bool
	JumpCount           int
	IntervalSamples     []float64

	NextAnnounceIsTrue    bool
	LastNextRemaining     float64
	LastNextUpdateTime    time.Time
	NextJumpSuspectCount  int

	PID              PID
	Kalman           Kalman
	Tracker          WindowTracker
	Precision        PrecisionTracker
	Smooth           Smoother

	CurrentLimit int64
	AppliedLimit int64 // last limit actually pushed to the adapter, to avoid redundant calls
	Phase        Phase

	// Download-brake bookkeeping.
	TotalDone           int64
	TotalSizeTorrent    int64
	DownloadSpeed       int64
	ETA                 time.Duration
	CurrentDownloadLimit int64
	CurrentUploadLimit  int64
	DetailProgress      []DetailSample
	WaitingForReannounce bool
}

// DetailSample is one entry of the download-brake's bounded progress ring.
type DetailSample struct {
	Up   int64
	Done int64
	T    time.Time
}

const maxDetailSamples = 60

// RecordDetail appends a download-brake progress sample, trimming to maxDetailSamples.
func (s *TorrentState) RecordDetail(up, done int64, t time.Time) {
	s.DetailProgress = append(s.DetailProgress, DetailSample{Up: up, Done: done, T: t})
	if len(s.DetailProgress) > maxDetailSamples {
		s.DetailProgress = s.DetailProgress[len(s.DetailProgress)-maxDetailSamples:]
	}
}

// NewTorrentState returns a zero-value state ready for its first tick.
func NewTorrentState(hash, name, trackerDomain string) *TorrentState {
	return &TorrentState{
		Hash:          hash,
		Name:          name,
		TrackerDomain: trackerDomain,
		Precision:     NewPrecisionTracker(),
		Phase:         PhaseIdle,
	}
}

// TimeLeft returns the effective seconds remaining in the current cycle, projecting
// the last cached observation forward if no fresher one is available.
func (s *TorrentState) TimeLeft(now time.Time) float64 {
	if !s.CacheTS.IsZero() {
		remaining := s.CachedTL - now.Sub(s.CacheTS).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		return remaining
	}
	if s.CycleInterval <= 0 || s.CycleStartTime.IsZero() {
		return 0
	}
	remaining := float64(s.CycleInterval) - now.Sub(s.CycleStartTime).Seconds()
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// UploadedInCycle returns total_uploaded - cycle_start_uploaded, clamped at 0 (a
// client restart can reset the cumulative counter below cycle_start_uploaded).
func (s *TorrentState) UploadedInCycle() int64 {
	v := s.TotalUploaded - s.CycleStartUploaded
	if v < 0 {
		return 0
	}
	return v
}

// PastWarmupAllowance reports whether this torrent has completed enough cycles
// for the per-cycle budget bound to be expected to hold.
func (s *TorrentState) PastWarmupAllowance() bool {
	return s.CycleIndex > warmupAllowanceCycles
}
