// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The tracker-list backfill must skip the "** [DHT] **"-style pseudo-tracker
// rows and accept only real announce URLs.
func TestIsRealTrackerURL(t *testing.T) {
	assert.True(t, isRealTrackerURL("https://tracker.example/announce?passkey=x"))
	assert.True(t, isRealTrackerURL("http://tracker.example/announce"))
	assert.True(t, isRealTrackerURL("udp://tracker.example:6969/announce"))

	assert.False(t, isRealTrackerURL("** [DHT] **"))
	assert.False(t, isRealTrackerURL("** [PeX] **"))
	assert.False(t, isRealTrackerURL("** [LSD] **"))
	assert.False(t, isRealTrackerURL(""))
}
