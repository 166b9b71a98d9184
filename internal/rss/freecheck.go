// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"context"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/ptctl/fleet/internal/domain"
)

// freeStatusMarkers is the small fixed list of page-text indicator substrings used
// to confirm free status on a torrent's details page.
var freeStatusMarkers = []string{"free deal", "0x upload", "free seed", "neutral", "perma-free"}

// VerifyFree visits the torrent's details page under a cookie and reports whether
// any free-status marker appears in its text content. On any failure the
// result is treated as not-free rather than propagating the error.
func VerifyFree(ctx context.Context, client *http.Client, detailsURL, cookie, userAgent string) bool {
	ok, _ := fetchAndScanText(ctx, client, detailsURL, cookie, userAgent, freeStatusMarkers)
	return ok
}

func fetchAndScanText(ctx context.Context, client *http.Client, pageURL, cookie, userAgent string, markers []string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", userAgent)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, domain.ErrPermanent
	}

	text, err := extractText(io.LimitReader(resp.Body, maxFeedBodyBytes))
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(text)
	return containsAny(lower, markers), nil
}

// extractText tolerantly tokenizes body as HTML and concatenates text nodes; tracker
// detail-page markup is not specified by this system, so this is a best-effort scan, not
// a structural parse.
func extractText(body io.Reader) (string, error) {
	var sb strings.Builder
	z := html.NewTokenizer(body)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return sb.String(), nil
			}
			return sb.String(), z.Err()
		case html.TextToken:
			sb.Write(z.Text())
			sb.WriteByte(' ')
		}
	}
}
