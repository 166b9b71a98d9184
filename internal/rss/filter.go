// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"strings"

	"github.com/ptctl/fleet/internal/domain"
)

// PassesFilter applies the feed's admission policy: size/seeder ranges, HR exclude, free
// requirement, include/exclude keyword lists (case-insensitive substring on title),
// category restriction. MinSeeders==0 means "no lower bound" and is only applied
// when the entry itself reports Seeders > 0.
func PassesFilter(entry domain.RSSEntry, f domain.RSSFilter) bool {
	if f.MinSize > 0 && entry.SizeBytes > 0 && entry.SizeBytes < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && entry.SizeBytes > f.MaxSize {
		return false
	}

	if f.MinSeeders > 0 && entry.Seeders > 0 && entry.Seeders < f.MinSeeders {
		return false
	}
	if f.MaxSeeders > 0 && entry.Seeders > f.MaxSeeders {
		return false
	}

	if f.ExcludeHR && entry.IsHR {
		return false
	}
	if f.FreeOnly && !entry.IsFree {
		return false
	}

	if len(f.Categories) > 0 && !categoryMatches(entry.Categories, f.Categories) {
		return false
	}

	title := strings.ToLower(entry.Title)
	for _, kw := range f.ExcludeKeywords {
		if kw != "" && strings.Contains(title, strings.ToLower(kw)) {
			return false
		}
	}
	if len(f.IncludeKeywords) > 0 {
		matched := false
		for _, kw := range f.IncludeKeywords {
			if kw != "" && strings.Contains(title, strings.ToLower(kw)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

func categoryMatches(entryCats, allowed []string) bool {
	for _, ec := range entryCats {
		for _, a := range allowed {
			if strings.EqualFold(ec, a) {
				return true
			}
		}
	}
	return false
}
