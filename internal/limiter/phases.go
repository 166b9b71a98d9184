// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

// Phase is the controller mode label selecting PID gains and quantization step.
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseWarmup Phase = "warmup"
	PhaseCatch  Phase = "catch"
	PhaseSteady Phase = "steady"
	PhaseFinish Phase = "finish"
)

// phaseGains holds the per-phase PID tuning and the headroom multiplier.
type phaseGains struct {
	Kp, Ki, Kd float64
	Headroom   float64
}

var gainsTable = map[Phase]phaseGains{
	PhaseWarmup: {Kp: 0.3, Ki: 0.05, Kd: 0.02, Headroom: 1.03},
	PhaseCatch:  {Kp: 0.5, Ki: 0.08, Kd: 0.04, Headroom: 1.02},
	PhaseSteady: {Kp: 0.7, Ki: 0.10, Kd: 0.05, Headroom: 1.005},
	PhaseFinish: {Kp: 0.8, Ki: 0.15, Kd: 0.08, Headroom: 1.002},
}

// finishThresholdSecs / steadyThresholdSecs bound the phase derived from time-left.
const (
	finishThresholdSecs = 30
	steadyThresholdSecs = 120
)

// derivePhase computes the controller phase from time-left T and sync state, per
// idle if no limiting needed, warmup if unsynced, else finish/steady/catch by T.
func derivePhase(needsLimiting, synced bool, timeLeftSecs float64) Phase {
	if !needsLimiting {
		return PhaseIdle
	}
	if !synced {
		return PhaseWarmup
	}
	switch {
	case timeLeftSecs <= finishThresholdSecs:
		return PhaseFinish
	case timeLeftSecs <= steadyThresholdSecs:
		return PhaseSteady
	default:
		return PhaseCatch
	}
}

// quantizeStep is the phase-dependent rounding granularity in bytes/sec.
func quantizeStep(phase Phase) int64 {
	switch phase {
	case PhaseWarmup:
		return 4096
	case PhaseCatch:
		return 3072
	case PhaseSteady:
		return 2048
	case PhaseFinish:
		return 256
	default:
		return 8192
	}
}
