// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"net/url"
	"regexp"
	"strings"
)

// passkeyParams are the per-user token query parameters that must be propagated from
// the feed URL into each download URL when the feed doesn't already include them.
var passkeyParams = []string{"passkey", "authkey", "torrent_pass"}

var detailsIDRegex = regexp.MustCompile(`[?&](?:id|torrentid)=(\d+)`)

// NormalizeLink resolves link against feedURL, rewrites a details-page link with
// ?id=/?torrentid= into /download.php?id=..., and merges any passkey-like params
// present on feedURL but missing from the result. Magnet links pass through
// untouched.
func NormalizeLink(link, feedURL string) string {
	if strings.HasPrefix(link, "magnet:") {
		return link
	}

	resolved := link
	if base, err := url.Parse(feedURL); err == nil {
		if rel, err := url.Parse(link); err == nil {
			resolved = base.ResolveReference(rel).String()
		}
	}

	if m := detailsIDRegex.FindStringSubmatch(resolved); m != nil && !strings.Contains(resolved, "download.php") {
		if u, err := url.Parse(resolved); err == nil {
			u.Path = replaceLastPathSegment(u.Path, "download.php")
			q := url.Values{"id": []string{m[1]}}
			u.RawQuery = q.Encode()
			resolved = u.String()
		}
	}

	resolved = mergePasskeyParams(resolved, feedURL)
	return resolved
}

func replaceLastPathSegment(path, newSegment string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return newSegment
	}
	return path[:idx+1] + newSegment
}

func mergePasskeyParams(link, feedURL string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	feedU, err := url.Parse(feedURL)
	if err != nil {
		return link
	}

	q := u.Query()
	feedQ := feedU.Query()
	changed := false
	for _, p := range passkeyParams {
		if q.Get(p) == "" {
			if v := feedQ.Get(p); v != "" {
				q.Set(p, v)
				changed = true
			}
		}
	}
	if !changed {
		return link
	}
	u.RawQuery = q.Encode()
	return u.String()
}
