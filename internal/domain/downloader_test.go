// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Announce-time normalization law: (0, 1e9] is seconds-remaining, (1e9,
// now+86400] is absolute unix, everything else is unknown.
func TestNormalizeNextAnnounce(t *testing.T) {
	const now = int64(1_700_000_000)

	tests := []struct {
		name string
		raw  int64
		want *int64
	}{
		{"zero is unknown", 0, nil},
		{"negative is unknown", -5, nil},
		{"small value is seconds-remaining", 1800, ptr(now + 1800)},
		{"boundary 1e9 still relative", 1_000_000_000, ptr(now + 1_000_000_000)},
		{"absolute unix passes through", now + 3600, ptr(now + 3600)},
		{"absolute at now+86400 accepted", now + 86400, ptr(now + 86400)},
		{"absolute beyond a day is unknown", now + 86401, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeNextAnnounce(tt.raw, now)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func ptr(v int64) *int64 { return &v }
