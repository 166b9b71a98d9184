// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ptctl/fleet/internal/domain"
)

// freeMarkers / hrMarkers are the small fixed indicator-substring lists used to scan
// title+description for free/HR status.
var freeMarkers = []string{"free", "0x", "免费", "免費"}
var hrMarkers = []string{"hr", "hit and run", "hit-and-run", "h&r"}

var (
	sizeRegex    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(GB|GiB|MB|MiB|TB|TiB|KB|KiB)`)
	seedersRegex = regexp.MustCompile(`(?i)seed(?:er)?s?\D{0,5}(\d+)`)
	leechRegex   = regexp.MustCompile(`(?i)leech(?:er)?s?\D{0,5}(\d+)`)
)

// ExtractEntries converts a ParsedFeed into domain.RSSEntry values:
// canonical link preference, size/seeders from explicit attributes with regex
// fallback, and a free/HR marker scan over title+description.
func ExtractEntries(feed ParsedFeed) []domain.RSSEntry {
	out := make([]domain.RSSEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entry := domain.RSSEntry{
			Title:      item.Title,
			Categories: item.Category,
		}
		entry.DownloadLink = resolveCanonicalLink(item)
		entry.SizeBytes = resolveSize(item)
		entry.Seeders, entry.Leechers = resolveSeedersLeechers(item)

		haystack := strings.ToLower(item.Title + " " + item.Description)
		entry.IsFree = containsAny(haystack, freeMarkers)
		entry.IsHR = containsAny(haystack, hrMarkers)

		if entry.DownloadLink != "" {
			out = append(out, entry)
		}
	}
	return out
}

// resolveCanonicalLink applies the canonical-link preference order: enclosure > links
// array entry of type torrent/magnet or rel=enclosure > entry link/id/guid.
func resolveCanonicalLink(item rawItem) string {
	if item.Enclosure != nil && item.Enclosure.URL != "" {
		return item.Enclosure.URL
	}
	for _, l := range item.Links {
		if l.Rel == "enclosure" || strings.Contains(l.Type, "torrent") || strings.HasPrefix(l.Href, "magnet:") {
			if l.Href != "" {
				return l.Href
			}
		}
	}
	for _, l := range item.Links {
		if v := strings.TrimSpace(l.Text); v != "" {
			return v
		}
		if l.Href != "" {
			return l.Href
		}
	}
	if item.GUID != "" {
		return item.GUID
	}
	return ""
}

func resolveSize(item rawItem) int64 {
	if item.Size != "" {
		if v, err := strconv.ParseInt(item.Size, 10, 64); err == nil {
			return v
		}
	}
	if item.Enclosure != nil && item.Enclosure.Length != "" {
		if v, err := strconv.ParseInt(item.Enclosure.Length, 10, 64); err == nil {
			return v
		}
	}
	if m := sizeRegex.FindStringSubmatch(item.Title + " " + item.Description); m != nil {
		return parseSizeMatch(m[1], m[2])
	}
	return 0
}

func parseSizeMatch(numStr, unit string) int64 {
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0
	}
	var mult float64
	switch strings.ToUpper(unit) {
	case "KB", "KIB":
		mult = 1 << 10
	case "MB", "MIB":
		mult = 1 << 20
	case "GB", "GIB":
		mult = 1 << 30
	case "TB", "TIB":
		mult = 1 << 40
	default:
		mult = 1
	}
	return int64(num * mult)
}

func resolveSeedersLeechers(item rawItem) (seeders, leechers int) {
	if item.Seeders != "" {
		seeders, _ = strconv.Atoi(item.Seeders)
	} else if m := seedersRegex.FindStringSubmatch(item.Description); m != nil {
		seeders, _ = strconv.Atoi(m[1])
	}
	if item.Leechers != "" {
		leechers, _ = strconv.Atoi(item.Leechers)
	} else if item.Peers != "" {
		leechers, _ = strconv.Atoi(item.Peers)
	} else if m := leechRegex.FindStringSubmatch(item.Description); m != nil {
		leechers, _ = strconv.Atoi(m[1])
	}
	return seeders, leechers
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}
