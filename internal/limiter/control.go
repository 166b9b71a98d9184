// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import "time"

// Input is the per-tick observation fed into CalculateLimit.
type Input struct {
	Now             time.Time
	CurrentSpeedBps float64 // instantaneous upload speed reported by the adapter
	TargetBps       int64
	SafetyMargin    float64
	IsDownloading   bool
}

// Result is the outcome of one control step.
type Result struct {
	Limit         int64
	Phase         Phase
	PredictedRatio float64 // predicted_cycle_total / target_total, for diagnostics/tests
}

// CalculateLimit runs one full control step: Kalman filtering, window tracking,
// trigger-gate evaluation, phase-dependent PID output, quantization, over-speed
// protection, and smoothing. It mutates s's controller sub-states and CurrentLimit/
// Phase, and returns the computed Result.
func (s *TorrentState) CalculateLimit(in Input) Result {
	s.Tracker.Record(in.Now, in.CurrentSpeedBps)
	speedEstimate, accel := s.Kalman.Update(in.CurrentSpeedBps, in.Now)
	trackedSpeed := s.Tracker.WeightedAverage(in.Now, s.Phase)

	T := s.TimeLeft(in.Now)
	adjustedTargetBps := float64(in.TargetBps) * s.Precision.CorrectionFactor
	targetTotal := adjustedTargetBps * (1 - in.SafetyMargin) * float64(s.CycleInterval)
	if targetTotal <= 0 {
		s.CurrentLimit = 0
		s.Phase = PhaseIdle
		return Result{Limit: 0, Phase: PhaseIdle}
	}

	uploadedInCycle := float64(s.UploadedInCycle())
	predictedDelta := speedEstimate*T + 0.5*accel*T*T
	if predictedDelta < 0 {
		predictedDelta = 0
	}
	predictedTotal := uploadedInCycle + predictedDelta
	predictedRatio := predictedTotal / targetTotal
	cycleProgress := uploadedInCycle / targetTotal

	needsLimiting := s.needsLimiting(in, trackedSpeed, adjustedTargetBps, targetTotal, uploadedInCycle, T, cycleProgress)
	phase := derivePhase(needsLimiting, s.CycleSynced, T)
	s.Phase = phase

	overSpeed := cycleProgress >= 0.90 && in.CurrentSpeedBps > adjustedTargetBps*2.5
	if phase == PhaseIdle && !overSpeed {
		s.CurrentLimit = 0
		return Result{Limit: 0, Phase: phase, PredictedRatio: predictedRatio}
	}

	required := (targetTotal - uploadedInCycle) / maxF(T, 1)
	gains := gainsTable[phase]
	// Normalized error for the PID: how far the tracked speed sits from "required".
	var pidErr float64
	if required > 0 {
		pidErr = (required - trackedSpeed) / required
	}
	o := s.PID.Compute(pidErr, in.Now, gains)

	var limit float64
	switch phase {
	case PhaseFinish:
		finishCorrection := 1.0
		if predictedRatio > 1.0 {
			finishCorrection = 1.0 / predictedRatio
			if finishCorrection < 0.5 {
				finishCorrection = 0.5
			}
		}
		limit = required * o * finishCorrection

	case PhaseSteady:
		headroom := gains.Headroom
		switch {
		case predictedRatio > 1.01:
			headroom = 1.0
		case predictedRatio < 0.95:
			headroom = 1.03
		}
		limit = required * headroom * o

	case PhaseCatch:
		if required > 5*adjustedTargetBps {
			limit = 0
		} else {
			limit = required * gains.Headroom * o
		}

	case PhaseWarmup:
		switch {
		case cycleProgress >= 1.0:
			limit = minQuantizedLimit
		case cycleProgress >= 0.8:
			limit = required * 1.01 * o
		case cycleProgress >= 0.5:
			limit = required * 1.05
		default:
			limit = 0
		}
	}

	if limit < 0 {
		limit = 0
	}

	// Over-speed protection: independent of phase once progress is high.
	if overSpeed {
		cap := adjustedTargetBps * 1.3
		if limit == 0 || limit > cap {
			limit = cap
		}
	}

	trend := recentTrendPct(s.Tracker, in.Now)
	quantized := Quantize(int64(limit), phase, trend)

	var finalLimit int64
	if phase == PhaseFinish {
		finalLimit = quantized
		s.Smooth.Last = quantized
	} else {
		finalLimit = s.Smooth.Smooth(quantized, phase)
	}

	s.CurrentLimit = finalLimit
	return Result{Limit: finalLimit, Phase: phase, PredictedRatio: predictedRatio}
}

// needsLimiting implements the "Triggering limiting" gate: a soft, conservatively
// inflated predicted total using a reaction buffer and a floor speed, compared
// against target_total; entering limiting is sticky only in the sense that once
// cycle progress reaches 1.0 it is always true.
func (s *TorrentState) needsLimiting(in Input, trackedSpeed, adjustedTargetBps, targetTotal, uploadedInCycle, T, cycleProgress float64) bool {
	if cycleProgress >= 1.0 {
		return true
	}
	peakSpeed := maxF(in.CurrentSpeedBps, trackedSpeed)
	floorSpeed := adjustedTargetBps * floorSpeedFraction
	reactionBudget := peakSpeed * reactionBufferSecs
	remainingAfterReaction := maxF(T-reactionBufferSecs, 0)
	softPredicted := uploadedInCycle + reactionBudget + floorSpeed*remainingAfterReaction
	return softPredicted > targetTotal
}

// recentTrendPct estimates the fractional change of speed over the last 10s, used to
// decide whether the quantization step should be halved.
func recentTrendPct(w WindowTracker, now time.Time) float64 {
	if len(w.samples) < 2 {
		return 0
	}
	cutoff := now.Add(-10 * time.Second)
	var first, last float64
	haveFirst := false
	for _, s := range w.samples {
		if s.t.Before(cutoff) {
			continue
		}
		if !haveFirst {
			first = s.speed
			haveFirst = true
		}
		last = s.speed
	}
	if !haveFirst || first == 0 {
		return 0
	}
	return (last - first) / first
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// RecordCompletedCycle should be called after SyncCycle on the same tick when the
// cycle index advanced: it records the just-completed cycle's actual/target ratio
// into the precision tracker.
func (s *TorrentState) RecordCompletedCycle(actualUploaded int64, targetBps int64, safetyMargin float64, cycleIntervalSecs int64) {
	if cycleIntervalSecs <= 0 || targetBps <= 0 {
		return
	}
	target := float64(targetBps) * (1 - safetyMargin) * float64(cycleIntervalSecs)
	if target <= 0 {
		return
	}
	s.Precision.RecordCycle(float64(actualUploaded) / target)
}
