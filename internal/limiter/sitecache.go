// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"sync"
	"time"
)

// SiteCache holds the process-wide site lookups (TID, publish-time, peer-list
// idle) as an explicit service: peer-list idle readings carry a TTL and are
// dropped by Cleanup, and TIDs are trimmed in insertion order past
// maxTIDEntries. The publish-time map has no size bound and is never trimmed.
type SiteCache struct {
	mu sync.Mutex

	// tid never expires once resolved — a torrent's site-local ID is permanent —
	// but the map is bounded and trimmed in insertion order when it grows too large.
	tid      map[string]string
	tidOrder []string

	publishTime map[string]publishEntry

	peerListIdle map[string]idleEntry
}

type publishEntry struct {
	t time.Time
}

type idleEntry struct {
	idle      time.Duration
	expiresAt time.Time
}

const (
	maxTIDEntries        = 5000
	peerListIdleTTL      = 120 * time.Second
)

func NewSiteCache() *SiteCache {
	return &SiteCache{
		tid:          make(map[string]string),
		publishTime:  make(map[string]publishEntry),
		peerListIdle: make(map[string]idleEntry),
	}
}

// TID returns the cached site-local torrent id for hash, if resolved.
func (c *SiteCache) TID(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.tid[hash]
	return v, ok
}

// SetTID caches a resolved TID forever (until insertion-order eviction).
func (c *SiteCache) SetTID(hash, tid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tid[hash]; !exists {
		c.tidOrder = append(c.tidOrder, hash)
	}
	c.tid[hash] = tid
	for len(c.tidOrder) > maxTIDEntries {
		oldest := c.tidOrder[0]
		c.tidOrder = c.tidOrder[1:]
		delete(c.tid, oldest)
	}
}

// PublishTime returns a cached, scraped-once publish time for hash.
func (c *SiteCache) PublishTime(hash string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.publishTime[hash]
	return e.t, ok
}

// SetPublishTime caches a torrent's publish time forever — it is scraped once and
// never changes.
func (c *SiteCache) SetPublishTime(hash string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishTime[hash] = publishEntry{t: t}
}

// PeerListIdle returns the cached peer-list idle-time reading for hash if still
// fresh.
func (c *SiteCache) PeerListIdle(hash string, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.peerListIdle[hash]
	if !ok || now.After(e.expiresAt) {
		return 0, false
	}
	return e.idle, true
}

// SetPeerListIdle caches a fresh peer-list idle-time reading.
func (c *SiteCache) SetPeerListIdle(hash string, idle time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerListIdle[hash] = idleEntry{idle: idle, expiresAt: now.Add(peerListIdleTTL)}
}

// Cleanup trims TTL-expired entries; invoked from the limiter tick rather than
// relying on ambient garbage collection.
func (c *SiteCache) Cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, e := range c.peerListIdle {
		if now.After(e.expiresAt) {
			delete(c.peerListIdle, hash)
		}
	}
}
