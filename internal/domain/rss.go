// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// RSSFeed is a configured feed source.
type RSSFeed struct {
	ID             int64
	Name           string
	URL            string
	Cookie         string
	SiteDomain     string
	FetchInterval  time.Duration
	FirstRunDone   bool
	LastFetch      time.Time

	// DownloaderID is the explicit target; when AutoAssign is true the downloader
	// with the most free space among enabled downloaders is chosen instead.
	DownloaderID int64
	AutoAssign   bool

	Filter RSSFilter

	// PerTorrentUploadLimitBps / PerTorrentDownloadLimitBps cap the added torrent.
	// The feed carries no per-downloader rate cap.
	PerTorrentUploadLimitBps   int64
	PerTorrentDownloadLimitBps int64

	Category string
	Tags     []string
	SavePath string
}

// RSSFilter is a feed's entry-admission policy.
type RSSFilter struct {
	MinSize int64
	MaxSize int64 // 0 = no upper bound

	// MinSeeders == 0 means "no lower bound"; the bound only applies when the entry
	// reports Seeders > 0.
	MinSeeders int
	MaxSeeders int // 0 = no upper bound

	ExcludeHR  bool
	FreeOnly   bool
	Categories []string // empty = no category restriction

	IncludeKeywords []string // case-insensitive substring on title; empty = no requirement
	ExcludeKeywords []string
}

// RSSEntry is one extracted candidate from a feed, before dedup/filter.
type RSSEntry struct {
	Title        string
	DownloadLink string // canonical, normalized download URL or magnet URI
	Infohash     string // known only if extracted from the page or magnet
	SizeBytes    int64
	Seeders      int
	Leechers     int
	IsFree       bool
	IsHR         bool
	Categories   []string
}

// SkipReason enumerates why an RSSRecord wasn't downloaded.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipFirstRun         SkipReason = "first_run"
	SkipFilteredOut      SkipReason = "filtered_out"
	SkipNotFree          SkipReason = "not_free"
	SkipNoDownloader     SkipReason = "no_downloader_available"
	SkipMaxDownloadTasks SkipReason = "max_download_tasks_reached"
	SkipAddFailed        SkipReason = "add_failed"
	SkipFetchFailed      SkipReason = "fetch_failed"
)

// RSSRecord is the append-only per-entry history row. (feed_id,
// link) is unique within a feed's retained history.
type RSSRecord struct {
	ID           int64
	FeedID       int64
	Title        string
	Link         string
	Infohash     string
	SizeBytes    int64
	IsFree       bool
	IsHR         bool
	Seeders      int
	Leechers     int
	Downloaded   bool
	DownloaderID int64
	SkipReason   SkipReason
	CreatedAt    time.Time
}

// MagicRecord is the append-only history row for the site "promotion" feed.
type MagicRecord struct {
	ID           int64
	Title        string
	Link         string
	Downloaded   bool
	DownloaderID int64
	SkipReason   SkipReason
	CreatedAt    time.Time
}

// DeleteRecord is the append-only per-action history row.
type DeleteRecord struct {
	ID           int64
	RuleID       int64
	RuleName     string
	DownloaderID int64
	Hash         string
	Name         string
	Action       DeleteAction
	SizeBytes    int64
	Ratio        float64
	SeedingTime  int64
	Uploaded     int64
	Downloaded   int64
	CreatedAt    time.Time
}

// LogRecord is an append-only structured log history row surfaced to the dashboard
//; the core only persists it, templating/presentation is out of
// scope.
type LogRecord struct {
	ID        int64
	Level     string
	Component string
	Message   string
	CreatedAt time.Time
}
