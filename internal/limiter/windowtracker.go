// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import "time"

// maxTrackerSamples bounds the ring of raw (t, speed) samples.
const maxTrackerSamples = 1200

type speedSample struct {
	t     time.Time
	speed float64
}

// WindowTracker keeps a bounded history of raw speed samples and produces a
// phase-weighted average across the {5, 15, 30, 60}s windows.
type WindowTracker struct {
	samples []speedSample
}

var trackerWindows = [4]time.Duration{
	5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
}

// windowWeights assigns heavier weight to shorter windows during phases that need to
// react fast (catch/finish) and to longer windows during steady state, where
// smoothing out jitter matters more than responsiveness.
var windowWeights = map[Phase][4]float64{
	PhaseWarmup: {0.40, 0.30, 0.20, 0.10},
	PhaseCatch:  {0.35, 0.30, 0.20, 0.15},
	PhaseSteady: {0.15, 0.25, 0.30, 0.30},
	PhaseFinish: {0.55, 0.25, 0.15, 0.05},
	PhaseIdle:   {0.25, 0.25, 0.25, 0.25},
}

// Record appends a new sample, trimming the oldest entries beyond maxTrackerSamples.
func (w *WindowTracker) Record(now time.Time, speed float64) {
	w.samples = append(w.samples, speedSample{t: now, speed: speed})
	if len(w.samples) > maxTrackerSamples {
		w.samples = w.samples[len(w.samples)-maxTrackerSamples:]
	}
}

// WeightedAverage returns the phase-weighted blend of the four window averages,
// computed over the samples currently retained. Windows with no samples contribute 0
// and their weight is redistributed proportionally across the remaining windows.
func (w *WindowTracker) WeightedAverage(now time.Time, phase Phase) float64 {
	if len(w.samples) == 0 {
		return 0
	}
	weights, ok := windowWeights[phase]
	if !ok {
		weights = windowWeights[PhaseIdle]
	}

	var windowAvg [4]float64
	var windowHas [4]bool
	for i, d := range trackerWindows {
		cutoff := now.Add(-d)
		var sum float64
		var n int
		for j := len(w.samples) - 1; j >= 0; j-- {
			s := w.samples[j]
			if s.t.Before(cutoff) {
				break
			}
			sum += s.speed
			n++
		}
		if n > 0 {
			windowAvg[i] = sum / float64(n)
			windowHas[i] = true
		}
	}

	var totalWeight, weightedSum float64
	for i := range windowAvg {
		if windowHas[i] {
			weightedSum += windowAvg[i] * weights[i]
			totalWeight += weights[i]
		}
	}
	if totalWeight == 0 {
		return w.samples[len(w.samples)-1].speed
	}
	return weightedSum / totalWeight
}
