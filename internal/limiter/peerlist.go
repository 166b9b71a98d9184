// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptctl/fleet/internal/domain"
)

// PeerListProber reconstructs a torrent's announce baseline from the site's
// peer-list page when the client-reported next_announce has been flagged
// untrusted by the "ana" reliability check. The TID needed in
// the peer-list URL is resolved once by searching the site with the infohash and
// cached forever; the idle reading itself is cached per torrent for 120s.
type PeerListProber struct {
	client *http.Client
	cache  *SiteCache
	ua     string
	log    zerolog.Logger
}

func NewPeerListProber(client *http.Client, cache *SiteCache, userAgent string, log zerolog.Logger) *PeerListProber {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PeerListProber{
		client: client,
		cache:  cache,
		ua:     userAgent,
		log:    log.With().Str("component", "peerlist").Logger(),
	}
}

// tidPattern matches the first torrent id in a site search result page. Both the
// "id=" and "torrentid=" link conventions appear across PT sites.
var tidPattern = regexp.MustCompile(`[?&](?:id|torrentid)=(\d+)`)

// idleTimePattern matches "H:MM:SS"-style or "MM:SS"-style durations, the common
// rendering of a seeder's idle/remaining column on peer-list pages.
var idleTimePattern = regexp.MustCompile(`(?:(\d+):)?(\d{1,2}):(\d{2})`)

// ProbeIdle returns the current seeder's idle time for hash (the canonical
// interpretation; a site configured with PeerListRemaining gets its reading
// inverted against the cycle interval by the caller). Returns ok=false when the
// site is not configured for probing or the page yields nothing usable.
func (p *PeerListProber) ProbeIdle(ctx context.Context, hash string, site domain.SpeedLimitSite, now time.Time) (time.Duration, bool) {
	if !site.PeerListProbeEnabled || site.PeerListURLTemplate == "" || site.PeerListCookie == "" {
		return 0, false
	}
	if idle, ok := p.cache.PeerListIdle(hash, now); ok {
		return idle, true
	}

	tid, err := p.resolveTID(ctx, hash, site)
	if err != nil {
		p.log.Debug().Err(err).Str("hash", hash).Msg("tid resolution failed")
		return 0, false
	}

	pageURL := strings.NewReplacer("{tid}", tid, "{infohash}", hash).Replace(site.PeerListURLTemplate)
	body, err := p.fetch(ctx, pageURL, site.PeerListCookie)
	if err != nil {
		p.log.Debug().Err(err).Str("hash", hash).Msg("peer-list fetch failed")
		return 0, false
	}

	idle, ok := extractFirstDuration(body)
	if !ok {
		return 0, false
	}
	p.cache.SetPeerListIdle(hash, idle, now)
	return idle, true
}

// resolveTID searches the site for hash and caches the first torrent id found.
func (p *PeerListProber) resolveTID(ctx context.Context, hash string, site domain.SpeedLimitSite) (string, error) {
	if tid, ok := p.cache.TID(hash); ok {
		return tid, nil
	}
	if site.TIDSearchURLTemplate == "" {
		return "", fmt.Errorf("no tid search template for %s", site.TrackerDomain)
	}

	searchURL := strings.ReplaceAll(site.TIDSearchURLTemplate, "{infohash}", hash)
	body, err := p.fetch(ctx, searchURL, site.PeerListCookie)
	if err != nil {
		return "", err
	}
	m := tidPattern.FindStringSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("no torrent id in search result for %s", hash)
	}
	p.cache.SetTID(hash, m[1])
	return m[1], nil
}

func (p *PeerListProber) fetch(ctx context.Context, pageURL, cookie string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", p.ua)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cookie", cookie)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: peer-list page status %d", domain.ErrPermanent, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return string(body), nil
}

// extractFirstDuration parses the first H:MM:SS / MM:SS duration on the page.
func extractFirstDuration(body string) (time.Duration, bool) {
	m := idleTimePattern.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	var hours int
	if m[1] != "" {
		hours, _ = strconv.Atoi(m[1])
	}
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	return time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(secs)*time.Second, true
}
