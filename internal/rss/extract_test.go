// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Tracker Feed</title>
  <item>
    <title>Some.Release.2160p [Free] 12.5 GB</title>
    <link>https://pt.example/details.php?id=1001</link>
    <description>Seeders: 42 Leechers: 7</description>
    <enclosure url="https://pt.example/download.php?id=1001" length="13421772800" type="application/x-bittorrent"/>
    <category>Movies</category>
  </item>
  <item>
    <title>Another.Release.1080p</title>
    <link>https://pt.example/details.php?id=1002</link>
    <description>plain entry</description>
  </item>
</channel>
</rss>`

const sampleAtom = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <title>Atom.Release</title>
    <id>urn:example:2001</id>
    <summary>seeders 3</summary>
    <link rel="enclosure" type="application/x-bittorrent" href="https://pt.example/download.php?id=2001"/>
  </entry>
</feed>`

func TestParseRSSAndExtract(t *testing.T) {
	feed := parseFeedBody([]byte(sampleRSS))
	require.Len(t, feed.Items, 2)

	entries := ExtractEntries(feed)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "Some.Release.2160p [Free] 12.5 GB", first.Title)
	// Enclosure URL wins over the details link.
	assert.Equal(t, "https://pt.example/download.php?id=1001", first.DownloadLink)
	assert.Equal(t, int64(13421772800), first.SizeBytes)
	assert.Equal(t, 42, first.Seeders)
	assert.Equal(t, 7, first.Leechers)
	assert.True(t, first.IsFree)
	assert.Equal(t, []string{"Movies"}, first.Categories)

	second := entries[1]
	assert.Equal(t, "https://pt.example/details.php?id=1002", second.DownloadLink)
	assert.False(t, second.IsFree)
	assert.Equal(t, 0, second.Seeders)
}

func TestParseAtom(t *testing.T) {
	feed := parseFeedBody([]byte(sampleAtom))
	require.Len(t, feed.Items, 1)

	entries := ExtractEntries(feed)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://pt.example/download.php?id=2001", entries[0].DownloadLink)
	assert.Equal(t, 3, entries[0].Seeders)
}

func TestParseGarbageYieldsZeroEntries(t *testing.T) {
	assert.Empty(t, parseFeedBody([]byte("not xml at all")).Items)
	assert.Empty(t, parseFeedBody(nil).Items)
}

func TestSizeRegexFallback(t *testing.T) {
	feed := ParsedFeed{Items: []rawItem{{
		Title: "Release.Name 4.5 GiB",
		Links: []rawLink{{Text: "https://pt.example/dl/1"}},
	}}}
	entries := ExtractEntries(feed)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4.5*(1<<30)), entries[0].SizeBytes)
}

func TestEntryWithoutLinkDropped(t *testing.T) {
	feed := ParsedFeed{Items: []rawItem{{Title: "no link"}}}
	assert.Empty(t, ExtractEntries(feed))
}
