// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package deleteengine implements the rule-driven torrent deletion engine: condition
// evaluation over live torrent state, per-rule duration hysteresis persisted across
// restarts, and priority-ordered action dispatch (pause / speed-cap / delete).
package deleteengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ptctl/fleet/internal/domain"
)

const (
	unitSizeGiB  = 1 << 30
	unitSpeedKiB = 1 << 10
)

// isNumericField reports whether field is compared numerically (vs. as a string).
func isNumericField(field domain.ConditionField) bool {
	switch field {
	case domain.FieldProgress, domain.FieldSeedingTime, domain.FieldUploaded, domain.FieldDownloaded,
		domain.FieldRatio, domain.FieldTrueRatio, domain.FieldRatio3, domain.FieldUpSpeed,
		domain.FieldDownSpeed, domain.FieldSize, domain.FieldPeers, domain.FieldSeeds,
		domain.FieldFreeSpace, domain.FieldGlobalDownloading, domain.FieldGlobalSeeding,
		domain.FieldSecondFromLocalMidnight:
		return true
	default:
		return false
	}
}

// defaultUnitMultiplier returns the field's default unit conversion factor, applied
// unless the condition specifies an explicit Unit override.
func defaultUnitMultiplier(field domain.ConditionField) float64 {
	switch field {
	case domain.FieldUploaded, domain.FieldDownloaded, domain.FieldSize, domain.FieldFreeSpace:
		return unitSizeGiB
	case domain.FieldUpSpeed, domain.FieldDownSpeed:
		return unitSpeedKiB
	case domain.FieldProgress, domain.FieldRatio, domain.FieldTrueRatio, domain.FieldRatio3,
		domain.FieldPeers, domain.FieldSeeds,
		domain.FieldGlobalDownloading, domain.FieldGlobalSeeding:
		return 1
	case domain.FieldSeedingTime, domain.FieldSecondFromLocalMidnight:
		return 1 // already seconds
	default:
		return 1
	}
}

var unitOverrides = map[string]float64{
	"b":     1,
	"kib":   1 << 10,
	"mib":   1 << 20,
	"gib":   1 << 30,
	"tib":   1 << 40,
	"s":     1,
	"sec":   1,
	"min":   60,
	"h":     3600,
	"hour":  3600,
	"day":   86400,
	"none":  1,
	"pct":   1,
}

// parseNumericValue parses a condition's textual value, honoring the "*-product"
// syntax (e.g. "2*1024") and applying the field's unit multiplier unless an explicit
// unit overrides it.
func parseNumericValue(field domain.ConditionField, value, unit string) (float64, error) {
	parts := strings.Split(value, "*")
	product := 1.0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("parse condition value %q: %w", value, err)
		}
		product *= v
	}

	if field == domain.FieldProgress {
		return product, nil
	}

	multiplier := defaultUnitMultiplier(field)
	if unit != "" {
		if m, ok := unitOverrides[strings.ToLower(unit)]; ok {
			multiplier = m
		}
	}
	return product * multiplier, nil
}
