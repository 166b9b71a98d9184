// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent wraps github.com/autobrr/go-qbittorrent into the
// downloader.Adapter capability set.
package qbittorrent

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/ptctl/fleet/internal/domain"
)

// filteredWriter suppresses the cosmetic "Unsolicited response received on idle HTTP
// channel" noise qBittorrent's HTTP behavior occasionally triggers in the stdlib
// client logger.
type filteredWriter struct{ w io.Writer }

func (f *filteredWriter) Write(p []byte) (int, error) {
	if strings.Contains(string(p), "Unsolicited response received on idle HTTP channel") {
		return len(p), nil
	}
	return f.w.Write(p)
}

func init() {
	stdlog.SetOutput(&filteredWriter{w: os.Stderr})
}

// Adapter wraps a qbt.Client with the session bookkeeping the rest of the system needs.
type Adapter struct {
	cfg    domain.Downloader
	client *qbt.Client
	mu     sync.RWMutex
}

func New(d domain.Downloader) *Adapter {
	return &Adapter{cfg: d}
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	client := qbt.NewClient(qbt.Config{
		Host:     a.cfg.Endpoint,
		Username: a.cfg.Username,
		Password: a.cfg.Password,
		Timeout:  10,
	})

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.LoginCtx(ctx); err != nil {
		return fmt.Errorf("%w: qbittorrent login: %v", domain.ErrTransient, err)
	}
	a.client = client
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	return nil
}

// withRetry handles qBittorrent's session expiry with a silent relogin: a single
// expired-session retry, then surface the error untouched.
func (a *Adapter) withRetry(ctx context.Context, fn func(ctx context.Context, c *qbt.Client) error) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("%w: qbittorrent adapter not connected", domain.ErrPermanent)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := fn(ctx, client)
	if err == nil {
		return nil
	}
	if !isAuthExpired(err) {
		return err
	}
	if loginErr := client.LoginCtx(ctx); loginErr != nil {
		return fmt.Errorf("%w: relogin failed: %v", domain.ErrAuthExpired, loginErr)
	}
	return fn(ctx, client)
}

func isAuthExpired(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "401") ||
		strings.Contains(strings.ToLower(err.Error()), "forbidden")
}

func (a *Adapter) GetTorrents(ctx context.Context, opts domain.GetOpts) ([]domain.TorrentDescriptor, error) {
	var raw []qbt.Torrent
	err := a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		filter := qbt.TorrentFilterOptions{Hashes: opts.Hashes}
		t, err := c.GetTorrentsCtx(ctx, filter)
		if err != nil {
			return fmt.Errorf("%w: get torrents: %v", domain.ErrTransient, err)
		}
		raw = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.TorrentDescriptor, 0, len(raw))
	for _, t := range raw {
		out = append(out, mapTorrent(t))
	}

	if opts.WithReannounce {
		a.enrichReannounce(ctx, out)
	}
	return out, nil
}

// enrichReannounce batches per-torrent tracker lookups with bounded parallelism and
// normalizes the raw next-announce value into an absolute unix time.
func (a *Adapter) enrichReannounce(ctx context.Context, torrents []domain.TorrentDescriptor) {
	const parallelism = 8
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i := range torrents {
		t := &torrents[i]
		if t.Status != domain.StatusDownloading && t.Status != domain.StatusSeeding {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(t *domain.TorrentDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			a.fillNextAnnounce(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (a *Adapter) fillNextAnnounce(ctx context.Context, t *domain.TorrentDescriptor) {
	var trackers []qbt.TorrentTracker
	err := a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		tr, err := c.GetTorrentTrackersCtx(ctx, t.Hash)
		if err != nil {
			return err
		}
		trackers = tr
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("hash", t.Hash).Msg("qbittorrent: tracker lookup failed")
		return
	}

	now := time.Now().Unix()
	var best *int64
	for _, tr := range trackers {
		raw := tr.NextAnnounce // seconds-remaining or absolute, per the client's convention
		normalized := NormalizeNextAnnounce(raw, now)
		if normalized != nil {
			best = normalized
			break
		}
	}
	t.NextAnnounceTime = best

	// Some sites leave the torrent-list tracker field blank; backfill from the
	// tracker list so per-site rule resolution still works. The first entries
	// are the "** [DHT] **"-style pseudo-trackers, which carry no usable URL.
	if t.TrackerURL == "" {
		for _, tr := range trackers {
			if isRealTrackerURL(tr.Url) {
				t.TrackerURL = tr.Url
				break
			}
		}
	}
}

func isRealTrackerURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "udp://")
}

// NormalizeNextAnnounce is domain.NormalizeNextAnnounce, kept callable from this
// package's call sites without an extra import alias at each use.
func NormalizeNextAnnounce(raw int64, now int64) *int64 {
	return domain.NormalizeNextAnnounce(raw, now)
}

func mapTorrent(t qbt.Torrent) domain.TorrentDescriptor {
	status := mapStatus(t.State)
	added := time.Unix(t.AddedOn, 0)
	tags := splitCSV(t.Tags)

	return domain.TorrentDescriptor{
		Hash:            t.Hash,
		Name:            t.Name,
		Size:            t.Size,
		Progress:        t.Progress,
		Status:          status,
		Uploaded:        t.Uploaded,
		Downloaded:      t.Downloaded,
		Ratio:           t.Ratio,
		UpSpeed:         t.UpSpeed,
		DlSpeed:         t.DlSpeed,
		Seeders:         int(t.NumSeeds),
		Leechers:        int(t.NumLeechs),
		ConnectedSeeds:  int(t.NumSeeds),
		ConnectedPeers:  int(t.NumLeechs),
		TrackerURL:      t.Tracker,
		Tags:            tags,
		Category:        t.Category,
		SavePath:        t.SavePath,
		AddedTime:       added,
		SeedingTimeSecs: t.SeedingTime,
	}
}

func mapStatus(s qbt.TorrentState) domain.TorrentStatus {
	switch s {
	case qbt.TorrentStateDownloading, qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl,
		qbt.TorrentStateQueuedDl, qbt.TorrentStateAllocating, qbt.TorrentStateForcedDl:
		return domain.StatusDownloading
	case qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp,
		qbt.TorrentStateForcedUp:
		return domain.StatusSeeding
	case qbt.TorrentStatePausedDl, qbt.TorrentStatePausedUp:
		return domain.StatusPaused
	case qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingResumeData:
		return domain.StatusChecking
	case qbt.TorrentStateError, qbt.TorrentStateMissingFiles:
		return domain.StatusError
	default:
		return domain.StatusQueued
	}
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (a *Adapter) GetStats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	err := a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		info, err := c.GetTransferInfoCtx(ctx)
		if err != nil {
			return fmt.Errorf("%w: transfer info: %v", domain.ErrTransient, err)
		}
		stats.UpSpeed = info.UpInfoSpeed
		stats.DlSpeed = info.DlInfoSpeed
		stats.TotalUploaded = info.UpInfoData
		stats.TotalDownloaded = info.DlInfoData
		return nil
	})
	return stats, err
}

func (a *Adapter) Add(ctx context.Context, payload []byte, isMagnet bool, opts domain.AddOpts) (string, error) {
	addOpts := map[string]string{
		"savepath": opts.SavePath,
		"category": opts.Category,
	}
	if len(opts.Tags) > 0 {
		addOpts["tags"] = strings.Join(opts.Tags, ",")
	}
	if opts.Paused {
		addOpts["paused"] = "true"
	}
	if opts.UploadLimitBps > 0 {
		addOpts["upLimit"] = fmt.Sprintf("%d", opts.UploadLimitBps)
	}
	if opts.DownloadLimitBps > 0 {
		addOpts["dlLimit"] = fmt.Sprintf("%d", opts.DownloadLimitBps)
	}
	if opts.FirstLastPriority {
		addOpts["firstLastPiecePrio"] = "true"
	}

	var hash string
	var computeErr error
	if isMagnet {
		magnet := string(payload)
		hash, computeErr = infohashFromMagnet(magnet)
		err := a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
			return c.AddTorrentFromUrlCtx(ctx, magnet, addOpts)
		})
		if err != nil {
			return "", fmt.Errorf("%w: add magnet: %v", domain.ErrTransient, err)
		}
	} else {
		hash, computeErr = InfohashFromTorrentBytes(payload)
		err := a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
			return c.AddTorrentFromMemoryCtx(ctx, payload, addOpts)
		})
		if err != nil {
			return "", fmt.Errorf("%w: add torrent: %v", domain.ErrTransient, err)
		}
	}
	if computeErr != nil {
		return "", fmt.Errorf("%w: compute infohash: %v", domain.ErrPermanent, computeErr)
	}

	// Most clients do not return a hash synchronously; confirm by list-poll.
	if err := a.confirmAdded(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (a *Adapter) confirmAdded(ctx context.Context, hash string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		torrents, err := a.GetTorrents(ctx, domain.GetOpts{Hashes: []string{hash}})
		if err == nil && len(torrents) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: torrent %s not observed after add", domain.ErrTransient, hash)
}

func (a *Adapter) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.DeleteTorrentsCtx(ctx, []string{hash}, deleteFiles)
	})
}

func (a *Adapter) Pause(ctx context.Context, hash string) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.PauseCtx(ctx, []string{hash})
	})
}

func (a *Adapter) Resume(ctx context.Context, hash string) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.ResumeCtx(ctx, []string{hash})
	})
}

func (a *Adapter) Reannounce(ctx context.Context, hash string) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.ReannounceCtx(ctx, []string{hash})
	})
}

func (a *Adapter) SetTorrentUploadLimit(ctx context.Context, hash string, bps int64) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.SetTorrentUploadLimitCtx(ctx, []string{hash}, bps)
	})
}

func (a *Adapter) SetTorrentDownloadLimit(ctx context.Context, hash string, bps int64) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.SetTorrentDownloadLimitCtx(ctx, []string{hash}, bps)
	})
}

func (a *Adapter) SetGlobalUploadLimit(ctx context.Context, bps int64) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.SetGlobalUploadLimitCtx(ctx, bps)
	})
}

func (a *Adapter) SetGlobalDownloadLimit(ctx context.Context, bps int64) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.SetGlobalDownloadLimitCtx(ctx, bps)
	})
}

func (a *Adapter) PauseAll(ctx context.Context) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.PauseCtx(ctx, []string{"all"})
	})
}

func (a *Adapter) ResumeAll(ctx context.Context) error {
	return a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		return c.ResumeCtx(ctx, []string{"all"})
	})
}

func (a *Adapter) GetFreeSpace(ctx context.Context, path string) (int64, error) {
	var free int64
	err := a.withRetry(ctx, func(ctx context.Context, c *qbt.Client) error {
		p, err := c.GetDefaultSavePathCtx(ctx)
		if err != nil {
			return fmt.Errorf("%w: default save path: %v", domain.ErrTransient, err)
		}
		if path == "" {
			path = p
		}
		space, err := c.GetFreeSpaceOnDiskCtx(ctx, path)
		if err != nil {
			return fmt.Errorf("%w: free space: %v", domain.ErrTransient, err)
		}
		free = space
		return nil
	})
	return free, err
}
