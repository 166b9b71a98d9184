// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLinkMagnetPassThrough(t *testing.T) {
	magnet := "magnet:?xt=urn:btih:deadbeef"
	assert.Equal(t, magnet, NormalizeLink(magnet, "https://pt.example/rss?passkey=abc"))
}

func TestNormalizeLinkResolvesRelative(t *testing.T) {
	got := NormalizeLink("/download.php?id=5", "https://pt.example/rss.php")
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "pt.example", u.Hostname())
	assert.Equal(t, "/download.php", u.Path)
}

func TestNormalizeLinkRewritesDetailsPage(t *testing.T) {
	got := NormalizeLink("https://pt.example/details.php?id=1001", "https://pt.example/rss.php")
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/download.php", u.Path)
	assert.Equal(t, "1001", u.Query().Get("id"))

	got = NormalizeLink("https://pt.example/torrents.php?torrentid=77", "https://pt.example/rss.php")
	u, err = url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/download.php", u.Path)
	assert.Equal(t, "77", u.Query().Get("id"))
}

func TestNormalizeLinkMergesPasskey(t *testing.T) {
	got := NormalizeLink(
		"https://pt.example/download.php?id=5",
		"https://pt.example/rss.php?passkey=secret123")
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "secret123", u.Query().Get("passkey"))
	assert.Equal(t, "5", u.Query().Get("id"))

	// An existing passkey is never overwritten.
	got = NormalizeLink(
		"https://pt.example/download.php?id=5&passkey=own",
		"https://pt.example/rss.php?passkey=feedkey")
	u, err = url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "own", u.Query().Get("passkey"))
}

func TestNormalizeLinkDownloadPageNotRewritten(t *testing.T) {
	got := NormalizeLink("https://pt.example/download.php?id=9&extra=1", "https://pt.example/rss.php")
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "1", u.Query().Get("extra"))
}
