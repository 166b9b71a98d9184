// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// ConditionField enumerates the torrent-state fields a delete condition can test.
type ConditionField string

const (
	FieldProgress        ConditionField = "progress"
	FieldSeedingTime     ConditionField = "seeding_time"
	FieldUploaded        ConditionField = "uploaded"
	FieldDownloaded      ConditionField = "downloaded"
	FieldRatio           ConditionField = "ratio"
	FieldTrueRatio        ConditionField = "true_ratio"
	FieldRatio3          ConditionField = "ratio3"
	FieldUpSpeed         ConditionField = "up_speed"
	FieldDownSpeed       ConditionField = "down_speed"
	FieldSize            ConditionField = "size"
	FieldPeers           ConditionField = "peers"
	FieldSeeds           ConditionField = "seeds"
	FieldFreeSpace       ConditionField = "free_space"
	FieldGlobalDownloading ConditionField = "global_downloading"
	FieldGlobalSeeding     ConditionField = "global_seeding"
	FieldSecondFromLocalMidnight ConditionField = "second_from_local_midnight"

	FieldName        ConditionField = "name"
	FieldTracker     ConditionField = "tracker"
	FieldTrackerStatus ConditionField = "tracker_status"
	FieldTags        ConditionField = "tags"
	FieldCategory    ConditionField = "category"
	FieldState       ConditionField = "state"
	FieldSavePath    ConditionField = "save_path"
)

// ConditionOperator enumerates the comparison/substring/membership/regex operators
// a condition may apply.
type ConditionOperator string

const (
	OpGT           ConditionOperator = "gt"
	OpLT           ConditionOperator = "lt"
	OpGTE          ConditionOperator = "gte"
	OpLTE          ConditionOperator = "lte"
	OpEQ           ConditionOperator = "eq"
	OpContains     ConditionOperator = "contains"
	OpNotContains  ConditionOperator = "not_contains"
	OpIncludeIn    ConditionOperator = "include_in"
	OpNotIncludeIn ConditionOperator = "not_include_in"
	OpRegexMatch   ConditionOperator = "regex_match"
	OpRegexNoMatch ConditionOperator = "regex_not_match"
)

// ConditionLogic combines a rule's conditions.
type ConditionLogic string

const (
	LogicAll ConditionLogic = "all"
	LogicAny ConditionLogic = "any"
)

// DeleteCondition is one leaf test.
type DeleteCondition struct {
	Field        ConditionField
	Operator     ConditionOperator
	Value        string
	Unit         string // overrides the field-default unit multiplier when non-empty
	DurationSecs int64  // 0 = no hysteresis requirement for this condition
}

// DeleteAction is the action a rule takes once its conditions (and duration) are
// satisfied.
type DeleteAction string

const (
	ActionDelete          DeleteAction = "delete-torrent"
	ActionDeleteWithFiles DeleteAction = "delete-torrent-and-files"
	ActionPause           DeleteAction = "pause"
	ActionApplySpeedCap   DeleteAction = "apply-speed-cap"
)

// DeleteRule is a persisted, user-authored deletion policy.
type DeleteRule struct {
	ID              int64
	Name            string
	Enabled         bool
	Priority        int
	Conditions      []DeleteCondition
	ConditionLogic  ConditionLogic
	Action          DeleteAction
	SpeedCapBps     int64 // only meaningful when Action == ActionApplySpeedCap
	ForceReport     bool
	MaxDeleteCount  int
	DownloaderIDs   []int64 // empty = all enabled downloaders
	TrackerFilter   string  // substring match against tracker domain
	TagFilter       string  // substring match against joined tags
	DeleteFiles     bool
	OnlyDeleteTorrent bool

	// ScriptMode carries a user expression instead of Conditions/ConditionLogic
	//. When non-empty, it replaces Conditions/ConditionLogic for matching; the
	// conditions' DurationSecs still set the rule's hysteresis window.
	ScriptMode string
}

// EvalContext is the per-torrent, per-run evaluation context passed to the
// condition evaluator. Fields mirror TorrentDescriptor plus the small set
// of global/derived values conditions can reference.
type EvalContext struct {
	Torrent           TorrentDescriptor
	TrackerStatus     string
	FreeSpaceBytes    int64
	GlobalDownloading int
	GlobalSeeding     int
	NowUnix           func() int64
}
