// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// SpeedLimitConfig is the global singleton controlling the limiter.
type SpeedLimitConfig struct {
	Enabled         bool
	TargetBps       int64
	SafetyMargin    float64
	ReportInterval  int
	PIDBase         PIDGains
}

// PIDGains is a named {kp,ki,kd} tuple; per-phase overrides live in phases.go.
type PIDGains struct {
	Kp float64
	Ki float64
	Kd float64
}

// PeerListTimeMode selects how a site's peer-list page reports a seeder's time.
// Elapsed is the canonical interpretation; Remaining inverts the reading.
type PeerListTimeMode string

const (
	PeerListElapsed   PeerListTimeMode = "elapsed"
	PeerListRemaining PeerListTimeMode = "remaining"
)

// SpeedLimitSite is a per-tracker-domain override of the global speed limit config.
type SpeedLimitSite struct {
	ID                    int64
	TrackerDomain         string
	TargetBps             int64
	SafetyMargin          float64
	IsU2Style             bool
	CustomCycleIntervalSecs int64 // 0 = not set, derive from U2Style/adapter
	DownloadBrakeEnabled  bool
	ReannounceOptimizeEnabled bool
	PeerListProbeEnabled  bool
	PeerListCookie        string
	PeerListURLTemplate   string // "{tid}" and "{infohash}" placeholders
	TIDSearchURLTemplate  string // "{infohash}" placeholder; resolves the site-local TID once
	PeerListTimeMode      PeerListTimeMode
}

// U2-style age-dependent cycle interval ladder.
const (
	U2IntervalUnder7Days  = 30 * 60
	U2IntervalUnder30Days = 45 * 60
	U2IntervalDefault     = 60 * 60

	U2AgeThreshold7Days  = 7 * 24 * 60 * 60
	U2AgeThreshold30Days = 30 * 24 * 60 * 60
)

// U2MagicConfig configures the site-specific "promotion" (magic) feed.
type U2MagicConfig struct {
	Enabled      bool
	FeedURL      string
	Cookie       string
	DownloaderID int64 // 0 = auto-assign by free space
	CheckpointJSON string
}

// TrafficBudgetConfig is a process-wide traffic accounting cap, consulted by
// dashboards and the out-of-scope notifier; the core only persists the ledger.
type TrafficBudgetConfig struct {
	Enabled       bool
	MonthlyCapBytes int64
}

// NetcupConfig configures the out-of-scope Netcup/SSH collaborator; the core
// only exposes the enable flag needed by the scheduler's "Netcup check" job.
type NetcupConfig struct {
	Enabled bool
}
