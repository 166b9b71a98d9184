// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// ClientFlavor identifies which wire protocol a Downloader speaks.
type ClientFlavor string

const (
	FlavorQBittorrent  ClientFlavor = "qbittorrent"
	FlavorTransmission ClientFlavor = "transmission"
	FlavorDeluge       ClientFlavor = "deluge"
)

// Downloader is a configured torrent client endpoint.
type Downloader struct {
	ID                      int64
	Name                    string
	Flavor                  ClientFlavor
	Endpoint                string
	Username                string
	Password                string
	TLS                     bool
	DefaultSaveDir          string
	Enabled                 bool
	AutoReannounceAfter5Min bool
	AutoDeleteAllowed       bool
	AutoSpeedLimitAllowed   bool
	MaxDownloadTasks        int
	GlobalUploadLimit       int64
	GlobalDownloadLimit     int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// TorrentStatus is the normalized status bucket for a torrent descriptor.
type TorrentStatus string

const (
	StatusDownloading TorrentStatus = "downloading"
	StatusSeeding     TorrentStatus = "seeding"
	StatusPaused      TorrentStatus = "paused"
	StatusChecking    TorrentStatus = "checking"
	StatusQueued      TorrentStatus = "queued"
	StatusError       TorrentStatus = "error"
)

// TorrentDescriptor is the transient, adapter-produced view of one torrent.
type TorrentDescriptor struct {
	Hash             string
	Name             string
	Size             int64
	Progress         float64
	Status           TorrentStatus
	Uploaded         int64
	Downloaded       int64
	Ratio            float64
	UpSpeed          int64
	DlSpeed          int64
	Seeders          int
	Leechers         int
	ConnectedSeeds   int
	ConnectedPeers   int
	TrackerURL       string
	Tags             []string
	Category         string
	SavePath         string
	AddedTime        time.Time
	SeedingTimeSecs  int64

	// NextAnnounceTime is the normalized absolute unix time of the next announce, or
	// nil if unknown.
	NextAnnounceTime *int64
	// AnnounceIntervalSecs is the tracker-reported interval, trusted only when >= 300s.
	AnnounceIntervalSecs int64
}

// GetOpts controls how GetTorrents enriches its result.
type GetOpts struct {
	WithReannounce bool
	Hashes         []string
}

// AddOpts controls how Add places a new torrent.
type AddOpts struct {
	SavePath          string
	Category          string
	Tags              []string
	Paused            bool
	UploadLimitBps    int64
	DownloadLimitBps  int64
	FirstLastPriority bool
}

// NormalizeNextAnnounce applies the announce-time normalization rule shared by
// every downloader flavor: a raw value in (0, 1e9] is seconds-remaining; in
// (1e9, now+86400] it is already an absolute unix time; anything else (including
// values <= 0) is unknown.
func NormalizeNextAnnounce(raw int64, now int64) *int64 {
	switch {
	case raw <= 0:
		return nil
	case raw <= 1_000_000_000:
		v := now + raw
		return &v
	case raw <= now+86400:
		v := raw
		return &v
	default:
		return nil
	}
}

// Stats is the adapter-wide snapshot used for dashboards and free-space checks.
type Stats struct {
	UpSpeed           int64
	DlSpeed           int64
	TotalUploaded     int64
	TotalDownloaded   int64
	FreeSpaceBytes    int64
	DownloadingCount  int
	SeedingCount      int
}
