// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader"
)

// defaultFreeCheckConcurrency bounds concurrent details-page visits used to
// confirm free status when no override is configured.
const defaultFreeCheckConcurrency = 8

// dedupChunkSize is the batch size for querying already-seen (feed_id, link) rows.
const dedupChunkSize = 500

// Store is the persistence seam the pipeline needs.
type Store interface {
	// ExistingLinks returns the subset of links already recorded for feedID, queried
	// in chunks of dedupChunkSize.
	ExistingLinks(ctx context.Context, feedID int64, links []string) (map[string]bool, error)
	InsertRecord(ctx context.Context, rec domain.RSSRecord) error
	MarkFeedProcessed(ctx context.Context, feedID int64, firstRunDone bool, lastFetch time.Time) error
	ListEnabledDownloaders(ctx context.Context) ([]domain.Downloader, error)
	GetDownloader(ctx context.Context, id int64) (domain.Downloader, error)
}

// Service runs the RSS ingestion pipeline for one feed at a time; the
// scheduler is responsible for fanning it out across due feeds in parallel.
type Service struct {
	store       Store
	fetcher     *Fetcher
	httpClient  *http.Client
	freeCheckSem *semaphore.Weighted
	log         zerolog.Logger
	notifier    domain.Notifier
	now         func() time.Time
	factory     func(domain.Downloader) (downloader.Adapter, error)
}

// NewService constructs a pipeline Service sharing the process-wide HTTP client for
// PT site access. freeCheckConcurrency bounds the concurrent free-status page
// visits; values <= 0 fall back to the default of 8.
func NewService(store Store, httpClient *http.Client, userAgent string, freeCheckConcurrency int, log zerolog.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}
	if freeCheckConcurrency <= 0 {
		freeCheckConcurrency = defaultFreeCheckConcurrency
	}
	return &Service{
		store:        store,
		fetcher:      NewFetcher(httpClient, userAgent),
		httpClient:   httpClient,
		freeCheckSem: semaphore.NewWeighted(int64(freeCheckConcurrency)),
		log:          log.With().Str("component", "rss").Logger(),
		notifier:     domain.NoopNotifier{},
		now:          time.Now,
		factory:      downloader.Factory,
	}
}

// ProcessFeed runs the full pipeline for one feed: fetch, extract, normalize,
// dedup, optional free-verify, filter, select downloader, add, record.
func (s *Service) ProcessFeed(ctx context.Context, feed domain.RSSFeed) error {
	now := s.now()

	parsed, err := s.fetcher.Fetch(ctx, feed.URL, feed.Cookie)
	if err != nil {
		s.log.Warn().Err(err).Str("feed", feed.Name).Msg("rss: fetch failed")
		return nil // protocol/fetch failures carry on, zero entries processed
	}

	entries := ExtractEntries(parsed)
	for i := range entries {
		entries[i].DownloadLink = NormalizeLink(entries[i].DownloadLink, feed.URL)
	}
	entries = dedupBatch(entries)

	links := make([]string, 0, len(entries))
	for _, e := range entries {
		links = append(links, e.DownloadLink)
	}
	existing, err := s.queryExistingLinksChunked(ctx, feed.ID, links)
	if err != nil {
		return fmt.Errorf("rss: query existing links: %w", err)
	}

	freshEntries := make([]domain.RSSEntry, 0, len(entries))
	for _, e := range entries {
		if !existing[e.DownloadLink] {
			freshEntries = append(freshEntries, e)
		}
	}

	if feed.Filter.FreeOnly && feed.Cookie != "" {
		s.verifyFreeStatus(ctx, feed, freshEntries)
	}

	var downloaded []string
	for _, e := range freshEntries {
		if s.processEntry(ctx, feed, e, now) {
			downloaded = append(downloaded, e.Title)
		}
	}
	s.notifyDownloaded(ctx, feed, downloaded)

	if err := s.store.MarkFeedProcessed(ctx, feed.ID, true, now); err != nil {
		return fmt.Errorf("rss: mark feed processed: %w", err)
	}
	return nil
}

// SetNotifier attaches the out-of-scope notification collaborator.
func (s *Service) SetNotifier(n domain.Notifier) {
	if n != nil {
		s.notifier = n
	}
}

func (s *Service) notifyDownloaded(ctx context.Context, feed domain.RSSFeed, titles []string) {
	if len(titles) == 0 {
		return
	}
	event := domain.Event{
		Name: domain.EventRSSDownload,
		Payload: map[string]any{
			"feed":     feed.Name,
			"torrents": titles,
		},
	}
	if len(titles) > 1 {
		event.Name = domain.EventRSSBatch
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("feed", feed.Name).Msg("rss: notification failed")
	}
}

// dedupBatch removes duplicate links within the freshly fetched batch itself,
// keeping the first occurrence.
func dedupBatch(entries []domain.RSSEntry) []domain.RSSEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]domain.RSSEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.DownloadLink]; ok {
			continue
		}
		seen[e.DownloadLink] = struct{}{}
		out = append(out, e)
	}
	return out
}

func (s *Service) queryExistingLinksChunked(ctx context.Context, feedID int64, links []string) (map[string]bool, error) {
	result := make(map[string]bool, len(links))
	for i := 0; i < len(links); i += dedupChunkSize {
		end := i + dedupChunkSize
		if end > len(links) {
			end = len(links)
		}
		chunk, err := s.store.ExistingLinks(ctx, feedID, links[i:end])
		if err != nil {
			return nil, err
		}
		for link, ok := range chunk {
			if ok {
				result[link] = true
			}
		}
	}
	return result
}

// verifyFreeStatus visits each entry's details page under the bounded semaphore to
// confirm free status before filtering, updating IsFree in place.
func (s *Service) verifyFreeStatus(ctx context.Context, feed domain.RSSFeed, entries []domain.RSSEntry) {
	for i := range entries {
		if entries[i].IsFree {
			continue // already confirmed by the title/description marker scan
		}
		if strings.HasPrefix(entries[i].DownloadLink, "magnet:") {
			continue
		}
		if err := s.freeCheckSem.Acquire(ctx, 1); err != nil {
			return
		}
		confirmed := VerifyFree(ctx, s.httpClient, entries[i].DownloadLink, feed.Cookie, s.fetcher.UA)
		s.freeCheckSem.Release(1)
		entries[i].IsFree = confirmed
	}
}

// processEntry records one fresh entry, returning whether it was downloaded.
func (s *Service) processEntry(ctx context.Context, feed domain.RSSFeed, entry domain.RSSEntry, now time.Time) bool {
	rec := domain.RSSRecord{
		FeedID:    feed.ID,
		Title:     entry.Title,
		Link:      entry.DownloadLink,
		Infohash:  entry.Infohash,
		SizeBytes: entry.SizeBytes,
		IsFree:    entry.IsFree,
		IsHR:      entry.IsHR,
		Seeders:   entry.Seeders,
		Leechers:  entry.Leechers,
		CreatedAt: now,
	}

	if !PassesFilter(entry, feed.Filter) {
		rec.SkipReason = domain.SkipFilteredOut
		s.insertRecord(ctx, rec)
		return false
	}

	if !feed.FirstRunDone {
		// First processing of a newly created feed records but never downloads.
		rec.SkipReason = domain.SkipFirstRun
		s.insertRecord(ctx, rec)
		return false
	}

	target, err := s.selectDownloader(ctx, feed)
	if err != nil {
		s.log.Warn().Err(err).Str("feed", feed.Name).Msg("rss: no downloader available")
		rec.SkipReason = domain.SkipNoDownloader
		s.insertRecord(ctx, rec)
		return false
	}

	adapter, err := s.factory(target)
	if err != nil {
		rec.SkipReason = domain.SkipNoDownloader
		s.insertRecord(ctx, rec)
		return false
	}

	addErr := downloader.WithSession(ctx, adapter, func(ctx context.Context) error {
		if target.MaxDownloadTasks > 0 {
			stats, err := adapter.GetStats(ctx)
			if err == nil && stats.DownloadingCount >= target.MaxDownloadTasks {
				return fmt.Errorf("%w: downloader at max_download_tasks", domain.ErrPermanent)
			}
		}

		payload, isMagnet, err := s.fetchTorrentPayload(ctx, entry.DownloadLink, feed.Cookie)
		if err != nil {
			return err
		}

		hash, err := adapter.Add(ctx, payload, isMagnet, domain.AddOpts{
			SavePath:         feed.SavePath,
			Category:         feed.Category,
			Tags:             feed.Tags,
			UploadLimitBps:   feed.PerTorrentUploadLimitBps,
			DownloadLimitBps: feed.PerTorrentDownloadLimitBps,
		})
		if err != nil {
			return err
		}
		rec.Infohash = hash
		return nil
	})

	if addErr != nil {
		if strings.Contains(addErr.Error(), "max_download_tasks") {
			rec.SkipReason = domain.SkipMaxDownloadTasks
		} else {
			rec.SkipReason = domain.SkipAddFailed
		}
		s.log.Warn().Err(addErr).Str("feed", feed.Name).Str("title", entry.Title).Msg("rss: add failed")
		s.insertRecord(ctx, rec)
		return false
	}

	rec.Downloaded = true
	rec.DownloaderID = target.ID
	s.insertRecord(ctx, rec)
	return true
}

// selectDownloader resolves the feed's target downloader: the explicit id when
// AutoAssign is false, else the enabled downloader with the most free space.
func (s *Service) selectDownloader(ctx context.Context, feed domain.RSSFeed) (domain.Downloader, error) {
	if !feed.AutoAssign && feed.DownloaderID != 0 {
		return s.store.GetDownloader(ctx, feed.DownloaderID)
	}

	candidates, err := s.store.ListEnabledDownloaders(ctx)
	if err != nil {
		return domain.Downloader{}, err
	}
	if len(candidates) == 0 {
		return domain.Downloader{}, domain.ErrNotFound
	}

	type scored struct {
		d         domain.Downloader
		freeSpace int64
	}
	scoredCandidates := make([]scored, 0, len(candidates))
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
		scoredCandidates = append(scoredCandidates, scored{d: d, freeSpace: free})
	}
	if len(scoredCandidates) == 0 {
		return domain.Downloader{}, domain.ErrNotFound
	}

	sort.Slice(scoredCandidates, func(i, j int) bool {
		return scoredCandidates[i].freeSpace > scoredCandidates[j].freeSpace
	})
	return scoredCandidates[0].d, nil
}

// fetchTorrentPayload retrieves the raw .torrent bytes for link, or passes a magnet
// URI through as-is.
func (s *Service) fetchTorrentPayload(ctx context.Context, link, cookie string) (payload []byte, isMagnet bool, err error) {
	if strings.HasPrefix(link, "magnet:") {
		return []byte(link), true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, false, fmt.Errorf("rss: build torrent request: %w", err)
	}
	req.Header.Set("User-Agent", s.fetcher.UA)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: fetch torrent file: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("%w: fetch torrent file: status %d", domain.ErrPermanent, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, false, fmt.Errorf("%w: read torrent file: %v", domain.ErrTransient, err)
	}
	return body, false, nil
}

func (s *Service) insertRecord(ctx context.Context, rec domain.RSSRecord) {
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		s.log.Error().Err(err).Int64("feed_id", rec.FeedID).Msg("rss: insert record failed")
	}
}
