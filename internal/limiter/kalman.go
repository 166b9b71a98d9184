// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import "time"

// Kalman process/measurement noise constants.
const (
	kalmanQSpeed = 0.1
	kalmanQAccel = 0.05
	kalmanR      = 0.5
)

// Kalman is a 2-state (speed, acceleration) filter smoothing the noisy instantaneous
// upload-speed samples the adapter reports each tick. Composed by value into
// TorrentState, not inherited.
type Kalman struct {
	Speed       float64
	Accel       float64
	P00, P01    float64
	P10, P11    float64
	LastTime    time.Time
	Initialized bool
}

// Update folds one noisy speed measurement (bytes/sec) into the filter at time now,
// returning the filtered (speed, accel) estimate.
func (k *Kalman) Update(measurement float64, now time.Time) (speed, accel float64) {
	if !k.Initialized {
		k.Speed = measurement
		k.Accel = 0
		k.P00, k.P01, k.P10, k.P11 = 1, 0, 0, 1
		k.LastTime = now
		k.Initialized = true
		return k.Speed, k.Accel
	}

	dt := now.Sub(k.LastTime).Seconds()
	if dt <= 0 {
		return k.Speed, k.Accel
	}
	k.LastTime = now

	// Predict: speed' = speed + accel*dt, accel' = accel (constant-acceleration model).
	predSpeed := k.Speed + k.Accel*dt
	predAccel := k.Accel

	// Predicted covariance: P' = F P F^T + Q, with F = [[1, dt], [0, 1]].
	p00 := k.P00 + dt*(k.P10+k.P01) + dt*dt*k.P11 + kalmanQSpeed
	p01 := k.P01 + dt*k.P11
	p10 := k.P10 + dt*k.P11
	p11 := k.P11 + kalmanQAccel

	// Update: measurement observes speed only, H = [1, 0].
	innovation := measurement - predSpeed
	s := p00 + kalmanR
	if s == 0 {
		s = kalmanR
	}
	kGainSpeed := p00 / s
	kGainAccel := p10 / s

	k.Speed = predSpeed + kGainSpeed*innovation
	k.Accel = predAccel + kGainAccel*innovation

	k.P00 = (1 - kGainSpeed) * p00
	k.P01 = (1 - kGainSpeed) * p01
	k.P10 = p10 - kGainAccel*p00
	k.P11 = p11 - kGainAccel*p01

	return k.Speed, k.Accel
}
