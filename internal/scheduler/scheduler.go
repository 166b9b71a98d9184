// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler drives the process-wide job set: the
// dynamic-interval limiter loop plus fixed-interval RSS / delete / magic /
// auto-reannounce / cleanup / Netcup jobs, each with anti-overlap coalescing
// (max_instances=1).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ptctl/fleet/internal/deleteengine"
	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader"
	"github.com/ptctl/fleet/internal/limiter"
	"github.com/ptctl/fleet/internal/magic"
	"github.com/ptctl/fleet/internal/metrics/collector"
	"github.com/ptctl/fleet/internal/rss"
)

// Fixed job cadences.
const (
	rssCheckInterval       = 60 * time.Second
	magicCheckInterval     = 60 * time.Second
	reannounceInterval     = 60 * time.Second
	netcupCheckInterval    = 60 * time.Second
	cleanupInterval        = 6 * time.Hour
	recordRetention        = 30 * 24 * time.Hour
	misfireGrace           = 60 * time.Second
)

// Auto-reannounce window: torrents aged [4m30s, 5m30s].
const (
	reannounceAgeMin = 4*time.Minute + 30*time.Second
	reannounceAgeMax = 5*time.Minute + 30*time.Second
)

// Store is the persistence seam the scheduler's own jobs need; the wrapped
// services carry their own seams.
type Store interface {
	ListDueFeeds(ctx context.Context, now time.Time) ([]domain.RSSFeed, error)
	DeleteCheckInterval(ctx context.Context) (time.Duration, error)
	ListAutoReannounceDownloaders(ctx context.Context) ([]domain.Downloader, error)
	PruneRecords(ctx context.Context, cutoff time.Time) error
}

// NetcupChecker is the out-of-scope Netcup/SSH collaborator; the scheduler
// only drives its cadence.
type NetcupChecker interface {
	Check(ctx context.Context) error
	Enabled(ctx context.Context) bool
}

// jobGuard enforces max_instances=1 with coalescing: a firing that arrives
// while the job is running is folded into exactly one deferred run rather than
// stacking.
type jobGuard struct {
	mu      sync.Mutex
	running bool
	pending bool
}

// run executes fn under the guard, or defers one coalesced run if busy.
func (g *jobGuard) run(fn func()) {
	g.mu.Lock()
	if g.running {
		g.pending = true
		g.mu.Unlock()
		return
	}
	g.running = true
	g.mu.Unlock()

	for {
		fn()
		g.mu.Lock()
		if !g.pending {
			g.running = false
			g.mu.Unlock()
			return
		}
		g.pending = false
		g.mu.Unlock()
	}
}

// Scheduler owns the job set. Construct with New, then Run until ctx cancels.
type Scheduler struct {
	store   Store
	limiter *limiter.Service
	rss     *rss.Service
	deletes *deleteengine.Engine
	magic   *magic.Service
	netcup  NetcupChecker
	log     zerolog.Logger

	now     func() time.Time
	factory func(domain.Downloader) (downloader.Adapter, error)
	metrics *collector.JobCollector

	rssGuard     jobGuard
	deleteGuard  jobGuard
	magicGuard   jobGuard
	reannGuard   jobGuard
	cleanupGuard jobGuard
	netcupGuard  jobGuard
}

func New(store Store, lim *limiter.Service, rssSvc *rss.Service, del *deleteengine.Engine, mag *magic.Service, netcup NetcupChecker, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		limiter: lim,
		rss:     rssSvc,
		deletes: del,
		magic:   mag,
		netcup:  netcup,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
		factory: downloader.Factory,
	}
}

// SetMetrics attaches the job collector; nil leaves metrics off.
func (s *Scheduler) SetMetrics(m *collector.JobCollector) {
	s.metrics = m
}

// observe wraps one job firing with the metrics collector when attached.
func (s *Scheduler) observe(job string, fn func() error) {
	start := s.now()
	err := fn()
	if s.metrics == nil {
		return
	}
	s.metrics.RunsTotal.WithLabelValues(job).Inc()
	s.metrics.Duration.WithLabelValues(job).Observe(s.now().Sub(start).Seconds())
	if err != nil {
		s.metrics.FailuresTotal.WithLabelValues(job).Inc()
	}
}

// Run starts every job loop and blocks until ctx is cancelled. Each subsystem
// failure is contained at its own loop; one halting subsystem does not stop the
// rest.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	launch := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	launch(s.runLimiterLoop)
	launch(s.runRSSLoop)
	launch(s.runDeleteLoop)
	launch(s.runMagicLoop)
	launch(s.runReannounceLoop)
	launch(s.runCleanupLoop)
	if s.netcup != nil {
		launch(s.runNetcupLoop)
	}

	wg.Wait()
	return nil
}

func (s *Scheduler) runLimiterLoop(ctx context.Context) {
	if err := s.limiter.Run(ctx); err != nil {
		s.log.Error().Err(err).Msg("limiter loop halted")
	}
}

// every is the fixed-interval loop shared by the non-limiter jobs. A tick that
// arrives more than misfireGrace late (the host slept, the process was
// stopped under load) is still honored as a single coalesced firing.
func (s *Scheduler) every(ctx context.Context, interval time.Duration, guard *jobGuard, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := s.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			if now.Sub(last) > interval+misfireGrace {
				s.log.Debug().Dur("late", now.Sub(last)-interval).Msg("misfired tick coalesced")
			}
			last = now
			guard.run(func() { fn(ctx) })
		}
	}
}

func (s *Scheduler) runRSSLoop(ctx context.Context) {
	s.every(ctx, rssCheckInterval, &s.rssGuard, func(ctx context.Context) {
		s.observe("rss", func() error {
			s.rssCheck(ctx)
			return nil
		})
	})
}

// rssCheck filters to due feeds and processes the survivors in parallel.
func (s *Scheduler) rssCheck(ctx context.Context) {
	feeds, err := s.store.ListDueFeeds(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("list due feeds failed")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, feed := range feeds {
		g.Go(func() error {
			if err := s.rss.ProcessFeed(gctx, feed); err != nil {
				s.log.Error().Err(err).Str("feed", feed.Name).Msg("feed processing failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runDeleteLoop re-reads its interval each firing, so a settings change takes
// effect without a restart.
func (s *Scheduler) runDeleteLoop(ctx context.Context) {
	for {
		interval, err := s.store.DeleteCheckInterval(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("read delete check interval failed")
			interval = 60 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			s.deleteGuard.run(func() {
				s.observe("delete", func() error {
					err := s.deletes.Run(ctx, deleteengine.RunOpts{})
					if err != nil {
						s.log.Error().Err(err).Msg("delete run failed")
					}
					return err
				})
			})
		}
	}
}

func (s *Scheduler) runMagicLoop(ctx context.Context) {
	s.every(ctx, magicCheckInterval, &s.magicGuard, func(ctx context.Context) {
		s.observe("magic", func() error {
			err := s.magic.Check(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("magic check failed")
			}
			return err
		})
	})
}

func (s *Scheduler) runReannounceLoop(ctx context.Context) {
	s.every(ctx, reannounceInterval, &s.reannGuard, func(ctx context.Context) {
		s.observe("reannounce", func() error {
			s.autoReannounce(ctx)
			return nil
		})
	})
}

// autoReannounce reannounces torrents aged [4m30s, 5m30s] on downloaders that
// opted in. Fresh torrents on PT sites often miss
// their first announce; a nudge at the five-minute mark recovers them.
func (s *Scheduler) autoReannounce(ctx context.Context) {
	downloaders, err := s.store.ListAutoReannounceDownloaders(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list auto-reannounce downloaders failed")
		return
	}

	now := s.now()
	for _, d := range downloaders {
		adapter, err := s.factory(d)
		if err != nil {
			continue
		}
		err = downloader.WithSession(ctx, adapter, func(ctx context.Context) error {
			torrents, err := adapter.GetTorrents(ctx, domain.GetOpts{})
			if err != nil {
				return err
			}
			for _, t := range torrents {
				age := now.Sub(t.AddedTime)
				if age >= reannounceAgeMin && age <= reannounceAgeMax {
					if err := adapter.Reannounce(ctx, t.Hash); err != nil {
						s.log.Warn().Err(err).Str("hash", t.Hash).Msg("auto-reannounce failed")
					}
				}
			}
			return nil
		})
		if err != nil {
			s.log.Warn().Err(err).Str("downloader", d.Name).Msg("auto-reannounce sweep failed")
		}
	}
}

func (s *Scheduler) runCleanupLoop(ctx context.Context) {
	s.every(ctx, cleanupInterval, &s.cleanupGuard, func(ctx context.Context) {
		s.observe("cleanup", func() error {
			cutoff := s.now().Add(-recordRetention)
			err := s.store.PruneRecords(ctx, cutoff)
			if err != nil {
				s.log.Error().Err(err).Msg("record cleanup failed")
			}
			return err
		})
	})
}

func (s *Scheduler) runNetcupLoop(ctx context.Context) {
	s.every(ctx, netcupCheckInterval, &s.netcupGuard, func(ctx context.Context) {
		if !s.netcup.Enabled(ctx) {
			return
		}
		if err := s.netcup.Check(ctx); err != nil {
			s.log.Warn().Err(err).Msg("netcup check failed")
		}
	})
}
