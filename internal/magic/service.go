// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package magic ingests the site-specific "promotion" feed: promoted (free)
// torrents are pulled on a fixed cadence and added to a configured downloader,
// with the same dedup-by-link discipline as the RSS pipeline.
package magic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader"
	"github.com/ptctl/fleet/internal/rss"
)

// Store is the persistence seam: the magic config/checkpoint singletons, the
// seen-link history, and downloader lookup.
type Store interface {
	MagicConfig(ctx context.Context) (domain.U2MagicConfig, error)
	MagicLinkSeen(ctx context.Context, link string) (bool, error)
	InsertMagicRecord(ctx context.Context, rec domain.MagicRecord) error
	GetDownloader(ctx context.Context, id int64) (domain.Downloader, error)
	ListEnabledDownloaders(ctx context.Context) ([]domain.Downloader, error)
}

type Service struct {
	store      Store
	fetcher    *rss.Fetcher
	httpClient *http.Client
	log        zerolog.Logger

	now     func() time.Time
	factory func(domain.Downloader) (downloader.Adapter, error)
}

func NewService(store Store, httpClient *http.Client, userAgent string, log zerolog.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Service{
		store:      store,
		fetcher:    rss.NewFetcher(httpClient, userAgent),
		httpClient: httpClient,
		log:        log.With().Str("component", "magic").Logger(),
		now:        time.Now,
		factory:    downloader.Factory,
	}
}

// Check runs one magic sweep: fetch the promotion feed, skip seen links, add
// the free entries. Fetch/parse failures record nothing and carry on.
func (s *Service) Check(ctx context.Context) error {
	cfg, err := s.store.MagicConfig(ctx)
	if err != nil {
		return fmt.Errorf("magic: load config: %w", err)
	}
	if !cfg.Enabled || cfg.FeedURL == "" {
		return nil
	}

	parsed, err := s.fetcher.Fetch(ctx, cfg.FeedURL, cfg.Cookie)
	if err != nil {
		s.log.Warn().Err(err).Msg("magic: feed fetch failed")
		return nil
	}

	entries := rss.ExtractEntries(parsed)
	now := s.now()
	for i := range entries {
		entries[i].DownloadLink = rss.NormalizeLink(entries[i].DownloadLink, cfg.FeedURL)
		s.processEntry(ctx, cfg, entries[i], now)
	}
	return nil
}

func (s *Service) processEntry(ctx context.Context, cfg domain.U2MagicConfig, entry domain.RSSEntry, now time.Time) {
	seen, err := s.store.MagicLinkSeen(ctx, entry.DownloadLink)
	if err != nil || seen {
		return
	}

	rec := domain.MagicRecord{
		Title:     entry.Title,
		Link:      entry.DownloadLink,
		CreatedAt: now,
	}

	if !entry.IsFree {
		rec.SkipReason = domain.SkipNotFree
		s.insert(ctx, rec)
		return
	}

	target, err := s.selectDownloader(ctx, cfg)
	if err != nil {
		rec.SkipReason = domain.SkipNoDownloader
		s.insert(ctx, rec)
		return
	}

	adapter, err := s.factory(target)
	if err != nil {
		rec.SkipReason = domain.SkipNoDownloader
		s.insert(ctx, rec)
		return
	}

	addErr := downloader.WithSession(ctx, adapter, func(ctx context.Context) error {
		payload, isMagnet, err := s.fetchPayload(ctx, entry.DownloadLink, cfg.Cookie)
		if err != nil {
			return err
		}
		_, err = adapter.Add(ctx, payload, isMagnet, domain.AddOpts{})
		return err
	})
	if addErr != nil {
		s.log.Warn().Err(addErr).Str("title", entry.Title).Msg("magic: add failed")
		rec.SkipReason = domain.SkipAddFailed
		s.insert(ctx, rec)
		return
	}

	rec.Downloaded = true
	rec.DownloaderID = target.ID
	s.insert(ctx, rec)
}

func (s *Service) selectDownloader(ctx context.Context, cfg domain.U2MagicConfig) (domain.Downloader, error) {
	if cfg.DownloaderID > 0 {
		return s.store.GetDownloader(ctx, cfg.DownloaderID)
	}

	candidates, err := s.store.ListEnabledDownloaders(ctx)
	if err != nil {
		return domain.Downloader{}, err
	}
	var best domain.Downloader
	var bestFree int64 = -1
	for _, d := range candidates {
		adapter, err := s.factory(d)
		if err != nil {
			continue
		}
		var free int64
		_ = downloader.WithSession(ctx, adapter, func(ctx context.Context) error {
			free, err = adapter.GetFreeSpace(ctx, d.DefaultSaveDir)
			return err
		})
		if free > bestFree {
			best, bestFree = d, free
		}
	}
	if bestFree < 0 {
		return domain.Downloader{}, domain.ErrNotFound
	}
	return best, nil
}

func (s *Service) fetchPayload(ctx context.Context, link, cookie string) ([]byte, bool, error) {
	if len(link) >= 7 && link[:7] == "magnet:" {
		return []byte(link), true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", s.fetcher.UA)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: fetch torrent: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("%w: fetch torrent: status %d", domain.ErrPermanent, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, false, fmt.Errorf("%w: read torrent: %v", domain.ErrTransient, err)
	}
	return body, false, nil
}

func (s *Service) insert(ctx context.Context, rec domain.MagicRecord) {
	if err := s.store.InsertMagicRecord(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("link", rec.Link).Msg("magic: insert record failed")
	}
}
