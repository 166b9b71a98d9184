// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"encoding/json"
	"time"
)

// trackerSampleJSON is the wire form of one WindowTracker sample. Ring buffers
// serialize as arrays trimmed to their caps so the persisted state blob stays
// bounded no matter how long the process has been running.
type trackerSampleJSON struct {
	T     time.Time `json:"t"`
	Speed float64   `json:"speed"`
}

func (w WindowTracker) MarshalJSON() ([]byte, error) {
	samples := w.samples
	if len(samples) > maxTrackerSamples {
		samples = samples[len(samples)-maxTrackerSamples:]
	}
	out := make([]trackerSampleJSON, len(samples))
	for i, s := range samples {
		out[i] = trackerSampleJSON{T: s.t, Speed: s.speed}
	}
	return json.Marshal(out)
}

func (w *WindowTracker) UnmarshalJSON(b []byte) error {
	var in []trackerSampleJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if len(in) > maxTrackerSamples {
		in = in[len(in)-maxTrackerSamples:]
	}
	w.samples = make([]speedSample, len(in))
	for i, s := range in {
		w.samples[i] = speedSample{t: s.T, speed: s.Speed}
	}
	return nil
}

// MarshalState serializes the full per-infohash state map for the
// `speed_limiter_state` singleton row.
func MarshalState(states map[string]*TorrentState) ([]byte, error) {
	return json.Marshal(states)
}

// UnmarshalState restores a state map persisted by MarshalState. A nil or empty
// blob yields an empty map so a fresh install starts clean.
func UnmarshalState(blob []byte) (map[string]*TorrentState, error) {
	states := make(map[string]*TorrentState)
	if len(blob) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(blob, &states); err != nil {
		return nil, err
	}
	for _, st := range states {
		if st.Precision.CorrectionFactor == 0 {
			st.Precision.CorrectionFactor = 1.0
		}
	}
	return states, nil
}
