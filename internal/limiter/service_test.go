// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader"
)

type fakeStore struct {
	downloaders []domain.Downloader
	global      domain.SpeedLimitConfig
	sites       map[string]domain.SpeedLimitSite
	state       map[string]*TorrentState
	deltas      []recordedDelta
	saved       int
}

type recordedDelta struct {
	hash      string
	phase     string
	deltaUp   int64
	deltaDown int64
}

func (f *fakeStore) ListSpeedLimitedDownloaders(context.Context) ([]domain.Downloader, error) {
	return f.downloaders, nil
}

func (f *fakeStore) GlobalSpeedLimitConfig(context.Context) (domain.SpeedLimitConfig, error) {
	return f.global, nil
}

func (f *fakeStore) SiteRuleFor(_ context.Context, trackerDomain string) (domain.SpeedLimitSite, bool, error) {
	site, ok := f.sites[trackerDomain]
	return site, ok, nil
}

func (f *fakeStore) LoadLimiterState(context.Context) (map[string]*TorrentState, error) {
	if f.state == nil {
		return map[string]*TorrentState{}, nil
	}
	return f.state, nil
}

func (f *fakeStore) SaveLimiterState(_ context.Context, state map[string]*TorrentState) error {
	f.state = state
	f.saved++
	return nil
}

func (f *fakeStore) RecordBandwidthDelta(_ context.Context, _ int64, hash, _ string, _, _, _ int64, phase string, deltaUp, deltaDown int64) error {
	f.deltas = append(f.deltas, recordedDelta{hash: hash, phase: phase, deltaUp: deltaUp, deltaDown: deltaDown})
	return nil
}

type fakeAdapter struct {
	torrents     []domain.TorrentDescriptor
	uploadLimits map[string]int64
	reannounced  []string
}

func (f *fakeAdapter) Connect(context.Context) error    { return nil }
func (f *fakeAdapter) Disconnect(context.Context) error { return nil }

func (f *fakeAdapter) GetTorrents(context.Context, domain.GetOpts) ([]domain.TorrentDescriptor, error) {
	return f.torrents, nil
}

func (f *fakeAdapter) GetStats(context.Context) (domain.Stats, error) {
	return domain.Stats{}, nil
}

func (f *fakeAdapter) Add(context.Context, []byte, bool, domain.AddOpts) (string, error) {
	return "", nil
}

func (f *fakeAdapter) Remove(context.Context, string, bool) error { return nil }
func (f *fakeAdapter) Pause(context.Context, string) error        { return nil }
func (f *fakeAdapter) Resume(context.Context, string) error       { return nil }

func (f *fakeAdapter) Reannounce(_ context.Context, hash string) error {
	f.reannounced = append(f.reannounced, hash)
	return nil
}

func (f *fakeAdapter) SetTorrentUploadLimit(_ context.Context, hash string, bps int64) error {
	if f.uploadLimits == nil {
		f.uploadLimits = map[string]int64{}
	}
	f.uploadLimits[hash] = bps
	return nil
}

func (f *fakeAdapter) SetTorrentDownloadLimit(context.Context, string, int64) error { return nil }
func (f *fakeAdapter) SetGlobalUploadLimit(context.Context, int64) error            { return nil }
func (f *fakeAdapter) SetGlobalDownloadLimit(context.Context, int64) error          { return nil }
func (f *fakeAdapter) PauseAll(context.Context) error                               { return nil }
func (f *fakeAdapter) ResumeAll(context.Context) error                              { return nil }
func (f *fakeAdapter) GetFreeSpace(context.Context, string) (int64, error)          { return 0, nil }

func newTestService(store *fakeStore, adapter *fakeAdapter) *Service {
	svc := NewService(store, zerolog.Nop())
	svc.factory = func(domain.Downloader) (downloader.Adapter, error) {
		return adapter, nil
	}
	return svc
}

func TestSuggestedInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, suggestedInterval(-1))
	assert.Equal(t, 200*time.Millisecond, suggestedInterval(3))
	assert.Equal(t, 500*time.Millisecond, suggestedInterval(10))
	assert.Equal(t, 1*time.Second, suggestedInterval(25))
	assert.Equal(t, 2*time.Second, suggestedInterval(45))
	assert.Equal(t, 3*time.Second, suggestedInterval(100))
	assert.Equal(t, 5*time.Second, suggestedInterval(1000))
}

func TestTickRecordsDeltasAndState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	next := now.Add(600 * time.Second).Unix()

	store := &fakeStore{
		downloaders: []domain.Downloader{{ID: 1, Name: "dl", Enabled: true, AutoSpeedLimitAllowed: true}},
		global:      domain.SpeedLimitConfig{Enabled: true, TargetBps: 10 * mib, SafetyMargin: 0.10},
	}
	adapter := &fakeAdapter{
		torrents: []domain.TorrentDescriptor{{
			Hash:                 "aaa",
			Name:                 "t1",
			Status:               domain.StatusSeeding,
			Uploaded:             5000,
			Downloaded:           2000,
			UpSpeed:              1 * mib,
			TrackerURL:           "https://tracker.example/announce?passkey=x",
			NextAnnounceTime:     &next,
			AnnounceIntervalSecs: 1800,
		}},
	}
	svc := newTestService(store, adapter)
	svc.now = func() time.Time { return now }

	_, err := runSingleTick(t, svc)
	require.NoError(t, err)

	// Ledger delta: first tick writes the full counters.
	require.Len(t, store.deltas, 1)
	assert.Equal(t, "aaa", store.deltas[0].hash)
	assert.Equal(t, int64(5000), store.deltas[0].deltaUp)
	assert.Equal(t, int64(2000), store.deltas[0].deltaDown)
	assert.GreaterOrEqual(t, store.deltas[0].deltaUp, int64(0))

	// State persisted once per tick.
	assert.Equal(t, 1, store.saved)
	require.Contains(t, store.state, "aaa")
	assert.Equal(t, "tracker.example", store.state["aaa"].TrackerDomain)

	// Second tick with unchanged counters writes no zero-delta row.
	_, err = svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.deltas, 1)
}

// runSingleTick loads state and runs one tick, mirroring Run's bootstrap
// without the loop.
func runSingleTick(t *testing.T, s *Service) (time.Duration, error) {
	t.Helper()
	loaded, err := s.store.LoadLimiterState(context.Background())
	if err != nil {
		return 0, err
	}
	s.states = loaded
	return s.Tick(context.Background())
}

func TestTickSkipsControlWithoutTarget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &fakeStore{
		downloaders: []domain.Downloader{{ID: 1, Enabled: true, AutoSpeedLimitAllowed: true}},
		global:      domain.SpeedLimitConfig{Enabled: true, TargetBps: 0},
	}
	adapter := &fakeAdapter{
		torrents: []domain.TorrentDescriptor{{
			Hash: "bbb", Status: domain.StatusSeeding, Uploaded: 100, TrackerURL: "http://t.example/a",
		}},
	}
	svc := newTestService(store, adapter)
	svc.now = func() time.Time { return now }

	_, err := runSingleTick(t, svc)
	require.NoError(t, err)

	// Bandwidth still accounted, but no limit was pushed.
	require.Len(t, store.deltas, 1)
	assert.Equal(t, "idle", store.deltas[0].phase)
	assert.Empty(t, adapter.uploadLimits)
}

func TestTickDisabledGlobalConfig(t *testing.T) {
	store := &fakeStore{global: domain.SpeedLimitConfig{Enabled: false}}
	svc := newTestService(store, &fakeAdapter{})
	svc.states = map[string]*TorrentState{}

	next, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, next)
	assert.Empty(t, store.deltas)
}

// Cycle interval resolution order with U2-style sites.
func TestResolveCycleIntervalU2(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newTestService(&fakeStore{}, &fakeAdapter{})
	u2 := domain.SpeedLimitSite{IsU2Style: true}

	// Torrent A: published 3 days ago, reported interval 1800s. U2 estimate
	// (30 min) loses to nothing here — the site override path takes the U2
	// ladder first, which for 3 days is 1800s anyway.
	stA := NewTorrentState("a", "a", "u2.example")
	stA.PublishTime = now.Add(-3 * 24 * time.Hour)
	assert.Equal(t, int64(1800), svc.resolveCycleInterval(stA, u2, true, 1800, now))

	// Torrent B: 20 days old → 2700s.
	stB := NewTorrentState("b", "b", "u2.example")
	stB.PublishTime = now.Add(-20 * 24 * time.Hour)
	assert.Equal(t, int64(2700), svc.resolveCycleInterval(stB, u2, true, 1800, now))

	// Torrent C: future publish time rejected; added 60 days ago → 3600s.
	stC := NewTorrentState("c", "c", "u2.example")
	stC.PublishTime = now.Add(24 * time.Hour)
	stC.TimeAdded = now.Add(-60 * 24 * time.Hour)
	assert.Equal(t, int64(3600), svc.resolveCycleInterval(stC, u2, true, 0, now))

	// Custom site interval beats everything.
	custom := domain.SpeedLimitSite{IsU2Style: true, CustomCycleIntervalSecs: 1234}
	assert.Equal(t, int64(1234), svc.resolveCycleInterval(stA, custom, true, 1800, now))

	// Non-U2 site: adapter-reported interval (>= 300s) wins.
	assert.Equal(t, int64(1800), svc.resolveCycleInterval(stA, domain.SpeedLimitSite{}, true, 1800, now))
}

func TestResolveAgePreferenceOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newTestService(&fakeStore{}, &fakeAdapter{})

	st := NewTorrentState("a", "a", "t.example")
	st.PublishTime = now.Add(-10 * 24 * time.Hour)
	st.SeedingTime = 3600
	st.TimeAdded = now.Add(-1 * time.Hour)
	assert.Equal(t, int64(10*24*3600), svc.resolveAge(st, now))

	// Future publish time falls through to seeding time.
	st.PublishTime = now.Add(time.Hour)
	assert.Equal(t, int64(3600), svc.resolveAge(st, now))

	// No publish/seeding: added time.
	st.SeedingTime = 0
	assert.Equal(t, int64(3600), svc.resolveAge(st, now))
}

func TestResolveTrackerDomain(t *testing.T) {
	assert.Equal(t, "tracker.example", resolveTrackerDomain("https://Tracker.Example:443/announce?passkey=abc"))
	assert.Equal(t, "", resolveTrackerDomain(""))
}

func TestRunRefusesDoubleStart(t *testing.T) {
	store := &fakeStore{global: domain.SpeedLimitConfig{}}
	svc := newTestService(store, &fakeAdapter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Wait until the first Run marks itself running.
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.running
	}, time.Second, 5*time.Millisecond)

	err := svc.Run(ctx)
	require.Error(t, err)

	cancel()
	require.NoError(t, <-done)
}
