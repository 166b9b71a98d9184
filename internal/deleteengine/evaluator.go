// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package deleteengine

import (
	"regexp"
	"strings"
	"sync"

	"github.com/ptctl/fleet/internal/domain"
)

// EvaluateRule combines every condition in rule by its ConditionLogic (all/any).
// Per-condition evaluation failures (e.g. a bad regex) evaluate to false rather than
// erroring, so a malformed rule deletes nothing.
func EvaluateRule(rule domain.DeleteRule, ctx domain.EvalContext) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	if rule.ConditionLogic == domain.LogicAny {
		for _, c := range rule.Conditions {
			if evaluateLeaf(c, ctx) {
				return true
			}
		}
		return false
	}

	for _, c := range rule.Conditions {
		if !evaluateLeaf(c, ctx) {
			return false
		}
	}
	return true
}

// RuleDurationSecs is the hysteresis window for rule: the max across its per-
// condition durations.
func RuleDurationSecs(rule domain.DeleteRule) int64 {
	var max int64
	for _, c := range rule.Conditions {
		if c.DurationSecs > max {
			max = c.DurationSecs
		}
	}
	return max
}

func evaluateLeaf(c domain.DeleteCondition, ctx domain.EvalContext) bool {
	if isNumericField(c.Field) {
		return evaluateNumeric(c, ctx)
	}
	return evaluateString(c, ctx)
}

func evaluateNumeric(c domain.DeleteCondition, ctx domain.EvalContext) bool {
	actual, ok := numericFieldValue(c.Field, ctx)
	if !ok {
		return false
	}
	want, err := parseNumericValue(c.Field, c.Value, c.Unit)
	if err != nil {
		return false
	}
	return compareFloat64(actual, want, c.Operator)
}

func numericFieldValue(field domain.ConditionField, ctx domain.EvalContext) (float64, bool) {
	t := ctx.Torrent
	switch field {
	case domain.FieldProgress:
		return t.Progress * 100, true
	case domain.FieldSeedingTime:
		return float64(t.SeedingTimeSecs), true
	case domain.FieldUploaded:
		return float64(t.Uploaded), true
	case domain.FieldDownloaded:
		return float64(t.Downloaded), true
	case domain.FieldRatio:
		return t.Ratio, true
	case domain.FieldTrueRatio:
		denom := t.Downloaded
		if denom < t.Size {
			denom = t.Size
		}
		if denom == 0 {
			return 0, true
		}
		return float64(t.Uploaded) / float64(denom), true
	case domain.FieldRatio3:
		if t.Size == 0 {
			return 0, true
		}
		return float64(t.Uploaded) / float64(t.Size), true
	case domain.FieldUpSpeed:
		return float64(t.UpSpeed), true
	case domain.FieldDownSpeed:
		return float64(t.DlSpeed), true
	case domain.FieldSize:
		return float64(t.Size), true
	case domain.FieldPeers:
		return float64(t.Leechers), true
	case domain.FieldSeeds:
		return float64(t.Seeders), true
	case domain.FieldFreeSpace:
		return float64(ctx.FreeSpaceBytes), true
	case domain.FieldGlobalDownloading:
		return float64(ctx.GlobalDownloading), true
	case domain.FieldGlobalSeeding:
		return float64(ctx.GlobalSeeding), true
	case domain.FieldSecondFromLocalMidnight:
		if ctx.NowUnix == nil {
			return 0, false
		}
		secs := ctx.NowUnix() % 86400
		return float64(secs), true
	default:
		return 0, false
	}
}

func compareFloat64(actual, want float64, op domain.ConditionOperator) bool {
	switch op {
	case domain.OpGT:
		return actual > want
	case domain.OpLT:
		return actual < want
	case domain.OpGTE:
		return actual >= want
	case domain.OpLTE:
		return actual <= want
	case domain.OpEQ:
		return actual == want
	default:
		return false
	}
}

func evaluateString(c domain.DeleteCondition, ctx domain.EvalContext) bool {
	actual, ok := stringFieldValue(c.Field, ctx)
	if !ok {
		return false
	}
	switch c.Operator {
	case domain.OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	case domain.OpNotContains:
		return !strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	case domain.OpEQ:
		return strings.EqualFold(actual, c.Value)
	case domain.OpIncludeIn:
		return containsFold(splitCSV(c.Value), actual)
	case domain.OpNotIncludeIn:
		return !containsFold(splitCSV(c.Value), actual)
	case domain.OpRegexMatch:
		re, ok := compileRegex(c.Value)
		if !ok {
			return false
		}
		return re.MatchString(actual)
	case domain.OpRegexNoMatch:
		re, ok := compileRegex(c.Value)
		if !ok {
			return false
		}
		return !re.MatchString(actual)
	default:
		return false
	}
}

func stringFieldValue(field domain.ConditionField, ctx domain.EvalContext) (string, bool) {
	t := ctx.Torrent
	switch field {
	case domain.FieldName:
		return t.Name, true
	case domain.FieldTracker:
		return t.TrackerURL, true
	case domain.FieldTrackerStatus:
		return ctx.TrackerStatus, true
	case domain.FieldTags:
		return strings.Join(t.Tags, ","), true
	case domain.FieldCategory:
		return t.Category, true
	case domain.FieldState:
		return string(t.Status), true
	case domain.FieldSavePath:
		return t.SavePath, true
	default:
		return "", false
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

// compileRegex caches compiled patterns and tolerates compile failure by reporting
// ok=false, which the caller treats as a non-match.
func compileRegex(pattern string) (*regexp.Regexp, bool) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[pattern]; ok {
		return re, re != nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		regexCache[pattern] = nil
		return nil, false
	}
	regexCache[pattern] = re
	return re, true
}
