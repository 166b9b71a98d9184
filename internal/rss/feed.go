// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rss implements the RSS ingestion pipeline: feed fetch, entry
// extraction across heterogeneous tracker feed formats, dedup, filter, optional
// free-status verification, downloader selection by free space, and add.
//
// Feed decoding is a minimal hand-rolled encoding/xml struct set covering RSS 2.0
// and Atom, which is all heterogeneous PT tracker feeds in practice emit.
package rss

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ptctl/fleet/internal/domain"
)

// fetchTimeout bounds the RSS feed HTTP round trip.
const fetchTimeout = 30 * time.Second

// maxFeedBodyBytes guards against a misbehaving feed streaming an unbounded response.
const maxFeedBodyBytes = 8 << 20

// rawRSS models just enough of RSS 2.0 to extract entries generically across
// tracker-specific extensions (torznab/nyaa-style attributes handled in extract.go).
type rawRSS struct {
	XMLName xml.Name  `xml:"rss"`
	Channel rawChannel `xml:"channel"`
}

type rawChannel struct {
	Items []rawItem `xml:"item"`
}

type rawEnclosure struct {
	URL    string `xml:"url,attr"`
	Length string `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

type rawLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
	Text string `xml:",chardata"`
}

type rawItem struct {
	Title       string         `xml:"title"`
	GUID        string         `xml:"guid"`
	Description string         `xml:"description"`
	Category    []string       `xml:"category"`
	Enclosure   *rawEnclosure  `xml:"enclosure"`

	// Links captures every <link> element: RSS 2.0's plain text form lands in
	// Text, Atom's attribute form in Href/Rel/Type.
	Links []rawLink `xml:"link"`

	// Common tracker-feed extension attributes, tried across several XML
	// namespaces by local name only (encoding/xml matches by local name when the
	// struct tag carries no namespace prefix for attributes already captured
	// above; remaining vendor fields are mined by extract.go's regex fallback).
	Size     string `xml:"size"`
	Seeders  string `xml:"seeders"`
	Leechers string `xml:"leechers"`
	Peers    string `xml:"peers"`
}

// rawAtom models the minimal Atom feed shape some trackers use instead of RSS 2.0.
type rawAtom struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []rawEntry  `xml:"entry"`
}

type rawEntry struct {
	Title   string    `xml:"title"`
	ID      string    `xml:"id"`
	Summary string    `xml:"summary"`
	Content string    `xml:"content"`
	Links   []rawLink `xml:"link"`
}

// ParsedFeed is the format-agnostic result of decoding either an RSS 2.0 or Atom
// document, ready for extraction.
type ParsedFeed struct {
	Items []rawItem
}

// parseFeedBody tries RSS 2.0 first, then Atom, returning zero entries (not an
// error) on failure — protocol/parse failures are recorded and the pipeline carries
// on.
func parseFeedBody(body []byte) ParsedFeed {
	var r rawRSS
	if err := xml.Unmarshal(body, &r); err == nil && len(r.Channel.Items) > 0 {
		return ParsedFeed{Items: r.Channel.Items}
	}

	var a rawAtom
	if err := xml.Unmarshal(body, &a); err == nil && len(a.Entries) > 0 {
		items := make([]rawItem, 0, len(a.Entries))
		for _, e := range a.Entries {
			items = append(items, rawItem{
				Title:       e.Title,
				GUID:        e.ID,
				Description: firstNonEmpty(e.Summary, e.Content),
				Links:       e.Links,
			})
		}
		return ParsedFeed{Items: items}
	}

	return ParsedFeed{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Fetcher performs the feed HTTP GET: minimal headers, optional
// cookie, bounded timeout, redirects followed.
type Fetcher struct {
	Client *http.Client
	UA     string
}

// NewFetcher builds a Fetcher sharing client across calls, matching the "process-wide
// HTTP client for PT site access" resource model.
func NewFetcher(client *http.Client, userAgent string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if userAgent == "" {
		userAgent = "ptctl-fleet/1.0"
	}
	return &Fetcher{Client: client, UA: userAgent}
}

// Fetch retrieves and parses feedURL, attaching cookie if non-empty.
func (f *Fetcher) Fetch(ctx context.Context, feedURL, cookie string) (ParsedFeed, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return ParsedFeed{}, fmt.Errorf("rss: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.UA)
	req.Header.Set("Accept", "*/*")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return ParsedFeed{}, fmt.Errorf("%w: rss fetch %s: %v", domain.ErrTransient, feedURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return ParsedFeed{}, fmt.Errorf("%w: rss fetch %s: tracker returned %d (cloudflare or auth required)", domain.ErrPermanent, feedURL, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return ParsedFeed{}, fmt.Errorf("%w: rss fetch %s: status %d", domain.ErrPermanent, feedURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBodyBytes))
	if err != nil {
		return ParsedFeed{}, fmt.Errorf("%w: rss read body %s: %v", domain.ErrTransient, feedURL, err)
	}

	return parseFeedBody(body), nil
}
