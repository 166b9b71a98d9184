// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader"
)

type pipeStore struct {
	mu          sync.Mutex
	records     []domain.RSSRecord
	downloaders []domain.Downloader
	marks       []bool
}

func (p *pipeStore) ExistingLinks(_ context.Context, feedID int64, links []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]bool{}
	for _, rec := range p.records {
		if rec.FeedID != feedID {
			continue
		}
		for _, l := range links {
			if rec.Link == l {
				out[l] = true
			}
		}
	}
	return out, nil
}

func (p *pipeStore) InsertRecord(_ context.Context, rec domain.RSSRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// (feed_id, link) uniqueness: a duplicate insert is a no-op.
	for _, existing := range p.records {
		if existing.FeedID == rec.FeedID && existing.Link == rec.Link {
			return nil
		}
	}
	p.records = append(p.records, rec)
	return nil
}

func (p *pipeStore) MarkFeedProcessed(_ context.Context, _ int64, firstRunDone bool, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks = append(p.marks, firstRunDone)
	return nil
}

func (p *pipeStore) ListEnabledDownloaders(context.Context) ([]domain.Downloader, error) {
	return p.downloaders, nil
}

func (p *pipeStore) GetDownloader(_ context.Context, id int64) (domain.Downloader, error) {
	for _, d := range p.downloaders {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Downloader{}, domain.ErrNotFound
}

func (p *pipeStore) downloadedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rec := range p.records {
		if rec.Downloaded {
			n++
		}
	}
	return n
}

type pipeAdapter struct {
	freeSpace int64
	mu        sync.Mutex
	added     []string
}

func (f *pipeAdapter) Connect(context.Context) error    { return nil }
func (f *pipeAdapter) Disconnect(context.Context) error { return nil }

func (f *pipeAdapter) GetTorrents(context.Context, domain.GetOpts) ([]domain.TorrentDescriptor, error) {
	return nil, nil
}

func (f *pipeAdapter) GetStats(context.Context) (domain.Stats, error) {
	return domain.Stats{FreeSpaceBytes: f.freeSpace}, nil
}

func (f *pipeAdapter) Add(_ context.Context, payload []byte, _ bool, _ domain.AddOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := fmt.Sprintf("%08x", len(f.added)+1)
	f.added = append(f.added, hash)
	return hash, nil
}

func (f *pipeAdapter) Remove(context.Context, string, bool) error                 { return nil }
func (f *pipeAdapter) Pause(context.Context, string) error                        { return nil }
func (f *pipeAdapter) Resume(context.Context, string) error                       { return nil }
func (f *pipeAdapter) Reannounce(context.Context, string) error                   { return nil }
func (f *pipeAdapter) SetTorrentUploadLimit(context.Context, string, int64) error { return nil }
func (f *pipeAdapter) SetTorrentDownloadLimit(context.Context, string, int64) error {
	return nil
}
func (f *pipeAdapter) SetGlobalUploadLimit(context.Context, int64) error   { return nil }
func (f *pipeAdapter) SetGlobalDownloadLimit(context.Context, int64) error { return nil }
func (f *pipeAdapter) PauseAll(context.Context) error                      { return nil }
func (f *pipeAdapter) ResumeAll(context.Context) error                     { return nil }

func (f *pipeAdapter) GetFreeSpace(context.Context, string) (int64, error) {
	return f.freeSpace, nil
}

// feedXML renders a feed of n entries with stable links starting at startID.
func feedXML(serverURL string, startID, n int) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel>`)
	for i := 0; i < n; i++ {
		id := startID + i
		fmt.Fprintf(&sb, `<item><title>Entry.%d.1080p</title><enclosure url="%s/download.php?id=%d" length="1073741824" type="application/x-bittorrent"/></item>`,
			id, serverURL, id)
	}
	sb.WriteString(`</channel></rss>`)
	return sb.String()
}

// First-run silence, then dedup plus auto-assigned downloads on
// the second fetch.
func TestProcessFeedFirstRunAndDedup(t *testing.T) {
	var entryCount = 20
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/rss.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedXML(server.URL, 1, entryCount))
	})
	mux.HandleFunc("/download.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d4:infod4:name1:xee"))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	small := &pipeAdapter{freeSpace: 10 << 30}
	big := &pipeAdapter{freeSpace: 500 << 30}
	store := &pipeStore{downloaders: []domain.Downloader{
		{ID: 1, Name: "small", Enabled: true},
		{ID: 2, Name: "big", Enabled: true},
	}}

	svc := NewService(store, server.Client(), "test-ua", 0, zerolog.Nop())
	svc.factory = func(d domain.Downloader) (downloader.Adapter, error) {
		if d.ID == 2 {
			return big, nil
		}
		return small, nil
	}

	feed := domain.RSSFeed{
		ID:         7,
		Name:       "test-feed",
		URL:        server.URL + "/rss.php",
		AutoAssign: true,
	}

	// First fetch: 20 records, zero downloads, first_run marked done.
	require.NoError(t, svc.ProcessFeed(context.Background(), feed))
	assert.Len(t, store.records, 20)
	assert.Equal(t, 0, store.downloadedCount())
	for _, rec := range store.records {
		assert.Equal(t, domain.SkipFirstRun, rec.SkipReason)
	}
	require.NotEmpty(t, store.marks)
	assert.True(t, store.marks[0])

	// Second fetch: 5 new entries on top of the 20 old ones. Only the new rows
	// are inserted, and they land on the downloader with the most free space.
	entryCount = 25
	feed.FirstRunDone = true
	require.NoError(t, svc.ProcessFeed(context.Background(), feed))

	assert.Len(t, store.records, 25)
	assert.Equal(t, 5, store.downloadedCount())
	assert.Len(t, big.added, 5)
	assert.Empty(t, small.added)

	// Third fetch with no new entries is a complete no-op (idempotent add).
	require.NoError(t, svc.ProcessFeed(context.Background(), feed))
	assert.Len(t, store.records, 25)
	assert.Equal(t, 5, store.downloadedCount())
	assert.Len(t, big.added, 5)
}

func TestProcessFeedFetchFailureCarriesOn(t *testing.T) {
	store := &pipeStore{}
	svc := NewService(store, &http.Client{Timeout: time.Second}, "test-ua", 0, zerolog.Nop())

	feed := domain.RSSFeed{ID: 1, URL: "http://127.0.0.1:1/unreachable"}
	require.NoError(t, svc.ProcessFeed(context.Background(), feed))
	assert.Empty(t, store.records)
	// A failed fetch does not stamp the feed.
	assert.Empty(t, store.marks)
}

func TestProcessFeedFilterRecordsSkips(t *testing.T) {
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/rss.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedXML(server.URL, 1, 3))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	store := &pipeStore{}
	svc := NewService(store, server.Client(), "test-ua", 0, zerolog.Nop())

	feed := domain.RSSFeed{
		ID:           1,
		URL:          server.URL + "/rss.php",
		FirstRunDone: true,
		Filter:       domain.RSSFilter{IncludeKeywords: []string{"2160p"}}, // nothing matches
	}
	require.NoError(t, svc.ProcessFeed(context.Background(), feed))
	require.Len(t, store.records, 3)
	for _, rec := range store.records {
		assert.Equal(t, domain.SkipFilteredOut, rec.SkipReason)
	}
}
