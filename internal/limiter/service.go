// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader"
	"github.com/ptctl/fleet/internal/metrics/collector"
)

// Store is the persistence seam the service needs: loading/saving the serialized
// limiter state blob, the enabled downloaders opted into auto speed-limit, and the
// per-tracker-domain site override. internal/models
// implements this against the SQLite-backed stores.
type Store interface {
	ListSpeedLimitedDownloaders(ctx context.Context) ([]domain.Downloader, error)
	GlobalSpeedLimitConfig(ctx context.Context) (domain.SpeedLimitConfig, error)
	SiteRuleFor(ctx context.Context, trackerDomain string) (domain.SpeedLimitSite, bool, error)
	LoadLimiterState(ctx context.Context) (map[string]*TorrentState, error)
	SaveLimiterState(ctx context.Context, state map[string]*TorrentState) error
	RecordBandwidthDelta(ctx context.Context, downloaderID int64, hash, trackerDomain string, upSpeed, targetSpeed, appliedLimit int64, phase string, deltaUp, deltaDown int64) error
}

// Service orchestrates the per-tick sweep: gather torrents, resolve
// trackers, advance each torrent's state, apply computed limits, perform
// opportunistic reannounce, and write bandwidth deltas. Runs on a
// suggested-next-interval feedback loop instead of a fixed ticker interval.
type Service struct {
	store  Store
	log    zerolog.Logger
	cache  *SiteCache
	prober *PeerListProber

	mu      sync.Mutex
	running bool

	states map[string]*TorrentState

	now     func() time.Time
	factory func(domain.Downloader) (downloader.Adapter, error)
	metrics *collector.LimiterCollector
}

func NewService(store Store, log zerolog.Logger) *Service {
	cache := NewSiteCache()
	return &Service{
		store:   store,
		log:     log.With().Str("component", "limiter").Logger(),
		cache:   cache,
		prober:  NewPeerListProber(nil, cache, "ptctl-fleet", log),
		now:     time.Now,
		factory: downloader.Factory,
	}
}

// SetHTTPClient swaps the PT-site HTTP client shared by the peer-list prober,
// letting the process wire in its single site-access client.
func (s *Service) SetHTTPClient(client *http.Client, userAgent string) {
	s.prober = NewPeerListProber(client, s.cache, userAgent, s.log)
}

// SetMetrics attaches the limiter collector; nil leaves metrics off.
func (s *Service) SetMetrics(m *collector.LimiterCollector) {
	s.metrics = m
}

// Run sets a running flag under the service mutex for as long as it loops,
// refusing a second concurrent start (e.g. across hot-reloads), and loops
// "tick + sleep(suggested_interval)" until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("limiter: service already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	loaded, err := s.store.LoadLimiterState(ctx)
	if err != nil {
		return fmt.Errorf("limiter: load state: %w", err)
	}
	s.states = loaded
	if s.states == nil {
		s.states = make(map[string]*TorrentState)
	}

	interval := 1 * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			next, err := s.Tick(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("limiter tick failed")
				if s.metrics != nil {
					s.metrics.TickFailuresTotal.Inc()
				}
				interval = 5 * time.Second
				continue
			}
			interval = next
		}
	}
}

// Tick runs one sweep across every speed-limit-enabled downloader and returns the
// suggested next-tick interval.
func (s *Service) Tick(ctx context.Context) (time.Duration, error) {
	now := s.now()
	s.cache.Cleanup(now)
	if s.metrics != nil {
		s.metrics.TicksTotal.Inc()
		s.metrics.TorrentsControlled.Set(float64(len(s.states)))
	}

	global, err := s.store.GlobalSpeedLimitConfig(ctx)
	if err != nil {
		return 0, fmt.Errorf("limiter: load global config: %w", err)
	}
	if !global.Enabled {
		return 5 * time.Second, nil
	}

	downloaders, err := s.store.ListSpeedLimitedDownloaders(ctx)
	if err != nil {
		return 0, fmt.Errorf("limiter: list downloaders: %w", err)
	}

	minTimeLeft := -1.0
	for _, d := range downloaders {
		tl, err := s.tickDownloader(ctx, d, global, now)
		if err != nil {
			s.log.Error().Err(err).Str("downloader", d.Name).Msg("limiter: downloader tick failed")
			continue
		}
		if tl >= 0 && (minTimeLeft < 0 || tl < minTimeLeft) {
			minTimeLeft = tl
		}
	}

	if err := s.store.SaveLimiterState(ctx, s.states); err != nil {
		return 0, fmt.Errorf("limiter: save state: %w", err)
	}

	return suggestedInterval(minTimeLeft), nil
}

// suggestedInterval maps the minimum non-idle time-left across all torrents to the
// dynamic tick cadence.
func suggestedInterval(minTimeLeft float64) time.Duration {
	switch {
	case minTimeLeft < 0:
		return 5 * time.Second
	case minTimeLeft <= 5:
		return 200 * time.Millisecond
	case minTimeLeft <= 15:
		return 500 * time.Millisecond
	case minTimeLeft <= 30:
		return 1 * time.Second
	case minTimeLeft <= 60:
		return 2 * time.Second
	case minTimeLeft <= 120:
		return 3 * time.Second
	default:
		return 5 * time.Second
	}
}

func (s *Service) tickDownloader(ctx context.Context, d domain.Downloader, global domain.SpeedLimitConfig, now time.Time) (float64, error) {
	adapter, err := s.factory(d)
	if err != nil {
		return -1, err
	}

	minTimeLeft := -1.0
	err = downloader.WithSession(ctx, adapter, func(ctx context.Context) error {
		torrents, err := adapter.GetTorrents(ctx, domain.GetOpts{WithReannounce: true})
		if err != nil {
			return fmt.Errorf("get torrents: %w", err)
		}

		for _, t := range torrents {
			if t.Status != domain.StatusDownloading && t.Status != domain.StatusSeeding {
				continue
			}
			tl, err := s.tickTorrent(ctx, adapter, d, t, global, now)
			if err != nil {
				s.log.Error().Err(err).Str("hash", t.Hash).Msg("limiter: torrent tick failed")
				continue
			}
			if tl >= 0 && (minTimeLeft < 0 || tl < minTimeLeft) {
				minTimeLeft = tl
			}
		}
		return nil
	})
	return minTimeLeft, err
}

func (s *Service) tickTorrent(ctx context.Context, adapter downloader.Adapter, d domain.Downloader, t domain.TorrentDescriptor, global domain.SpeedLimitConfig, now time.Time) (float64, error) {
	st, ok := s.states[t.Hash]
	if !ok {
		trackerDomain := resolveTrackerDomain(t.TrackerURL)
		st = NewTorrentState(t.Hash, t.Name, trackerDomain)
		s.states[t.Hash] = st
	}
	st.TimeAdded = t.AddedTime
	st.SeedingTime = t.SeedingTimeSecs

	site, hasSite, err := s.store.SiteRuleFor(ctx, st.TrackerDomain)
	if err != nil {
		return -1, fmt.Errorf("site rule: %w", err)
	}

	targetBps := global.TargetBps
	safetyMargin := global.SafetyMargin
	if hasSite && site.TargetBps > 0 {
		targetBps = site.TargetBps
		safetyMargin = site.SafetyMargin
	}
	if targetBps <= 0 {
		// No active target: still account bandwidth deltas, but skip control.
		s.recordDelta(ctx, d, st, t, 0, 0, "idle")
		return -1, nil
	}

	cycleInterval := s.resolveCycleInterval(st, site, hasSite, t.AnnounceIntervalSecs, now)
	st.CycleInterval = cycleInterval

	recentlyReannounced := !st.LastReannounce.IsZero() && now.Sub(st.LastReannounce) < 120*time.Second
	if t.NextAnnounceTime != nil {
		remaining := float64(*t.NextAnnounceTime - now.Unix())
		st.UpdateAnnounceReliability(now, remaining, cycleInterval, recentlyReannounced)
	}

	var nextAnnounce *int64
	if st.NextAnnounceIsTrue {
		nextAnnounce = t.NextAnnounceTime
	} else if hasSite {
		// Untrusted next_announce: reconstruct the baseline from the site's
		// peer-list page when the site rule allows it.
		if idle, ok := s.prober.ProbeIdle(ctx, t.Hash, site, now); ok {
			if site.PeerListTimeMode == domain.PeerListRemaining {
				remaining := int64(idle.Seconds())
				v := now.Unix() + remaining
				nextAnnounce = &v
			} else {
				st.LastAnnounceTime = now.Add(-idle)
				v := st.LastAnnounceTime.Unix() + cycleInterval
				nextAnnounce = &v
			}
		}
	}

	prevCycleIndex := st.CycleIndex
	prevCycleStartUploaded := st.CycleStartUploaded
	st.SyncCycle(t.Uploaded, now, nextAnnounce, t.AnnounceIntervalSecs)
	if st.CycleIndex > prevCycleIndex {
		st.RecordCompletedCycle(t.Uploaded-prevCycleStartUploaded, targetBps, safetyMargin, cycleInterval)
	}

	done := int64(t.Progress * float64(t.Size))
	st.RecordDetail(t.Uploaded, done, now)
	st.TotalDone = done
	st.TotalSizeTorrent = t.Size
	st.DownloadSpeed = t.DlSpeed
	if t.DlSpeed > 0 && t.Size > done {
		st.ETA = time.Duration(float64(t.Size-done)/float64(t.DlSpeed)) * time.Second
	} else {
		st.ETA = 0
	}

	result := st.CalculateLimit(Input{
		Now:             now,
		CurrentSpeedBps: float64(t.UpSpeed),
		TargetBps:       targetBps,
		SafetyMargin:    safetyMargin,
		IsDownloading:   t.Status == domain.StatusDownloading,
	})

	T := st.TimeLeft(now)
	uploadedInCycle := float64(st.UploadedInCycle())
	targetTotal := float64(targetBps) * st.Precision.CorrectionFactor * (1 - safetyMargin) * float64(cycleInterval)
	if targetTotal > 0 {
		if st.ShouldOpportunisticReannounce(now, st.Kalman.Speed, targetTotal, uploadedInCycle, T, uploadedInCycle/targetTotal) {
			if err := adapter.Reannounce(ctx, t.Hash); err == nil {
				st.MarkReannounced(now, true)
			}
		}
	}

	if result.Limit != st.AppliedLimit {
		if err := adapter.SetTorrentUploadLimit(ctx, t.Hash, result.Limit); err != nil {
			s.log.Warn().Err(err).Str("hash", t.Hash).Msg("limiter: set upload limit failed")
		} else {
			st.AppliedLimit = result.Limit
		}
	}

	if hasSite && site.DownloadBrakeEnabled {
		st.ApplyDownloadBrake(now, true, t.Status == domain.StatusDownloading, st.Kalman.Speed, 5*time.Minute)
		if st.CurrentDownloadLimit > 0 {
			_ = adapter.SetTorrentDownloadLimit(ctx, t.Hash, st.CurrentDownloadLimit)
		}
	}

	if hasSite && site.ReannounceOptimizeEnabled && t.Status == domain.StatusDownloading {
		decision := st.EvaluateAnnounceOptimizer(now)
		switch {
		case decision.TriggerReannounce:
			if err := adapter.Reannounce(ctx, t.Hash); err == nil {
				st.MarkReannounced(now, true)
				st.WaitingForReannounce = false
			}
		case decision.SetWaitLimit:
			if err := adapter.SetTorrentUploadLimit(ctx, t.Hash, waitLimitUploadBps); err == nil {
				st.AppliedLimit = waitLimitUploadBps
			}
		}
	}

	s.recordDelta(ctx, d, st, t, targetBps, result.Limit, string(result.Phase))

	return T, nil
}

func (s *Service) recordDelta(ctx context.Context, d domain.Downloader, st *TorrentState, t domain.TorrentDescriptor, targetBps, appliedLimit int64, phase string) {
	deltaUp := t.Uploaded - st.LastRecordUploaded
	deltaDown := t.Downloaded - st.LastRecordDownloaded
	if deltaUp < 0 {
		deltaUp = 0
	}
	if deltaDown < 0 {
		deltaDown = 0
	}
	if deltaUp == 0 && deltaDown == 0 {
		return
	}
	if err := s.store.RecordBandwidthDelta(ctx, d.ID, t.Hash, st.TrackerDomain, t.UpSpeed, targetBps, appliedLimit, phase, deltaUp, deltaDown); err != nil {
		s.log.Warn().Err(err).Str("hash", t.Hash).Msg("limiter: record bandwidth delta failed")
	}
	st.LastRecordUploaded = t.Uploaded
	st.LastRecordDownloaded = t.Downloaded
}

// resolveCycleInterval applies the preference order: site override > U2-style
// estimate from age > adapter-reported (>=300s) > estimated from age fallback ladder.
func (s *Service) resolveCycleInterval(st *TorrentState, site domain.SpeedLimitSite, hasSite bool, reportedIntervalSecs int64, now time.Time) int64 {
	if hasSite && site.CustomCycleIntervalSecs > 0 {
		return site.CustomCycleIntervalSecs
	}
	if hasSite && site.IsU2Style {
		age := s.resolveAge(st, now)
		if v := ResolveU2CycleInterval(age); v > 0 {
			return v
		}
	}
	if reportedIntervalSecs >= minTrustedAnnounceIntervalSecs {
		return reportedIntervalSecs
	}
	age := s.resolveAge(st, now)
	return ResolveU2CycleInterval(age)
}

// resolveAge applies the publish_time > seeding_time > added_time preference order,
// rejecting future-dated publish times (scraper artifacts).
func (s *Service) resolveAge(st *TorrentState, now time.Time) int64 {
	if pt, ok := s.cache.PublishTime(st.Hash); ok && !pt.After(now) {
		return int64(now.Sub(pt).Seconds())
	}
	if !st.PublishTime.IsZero() && !st.PublishTime.After(now) {
		return int64(now.Sub(st.PublishTime).Seconds())
	}
	if st.SeedingTime > 0 {
		return st.SeedingTime
	}
	if !st.TimeAdded.IsZero() {
		return int64(now.Sub(st.TimeAdded).Seconds())
	}
	return 0
}

func resolveTrackerDomain(trackerURL string) string {
	if trackerURL == "" {
		return ""
	}
	u, err := url.Parse(trackerURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
