// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package collector groups the Prometheus collectors surfaced by the scheduler
// and its jobs.
package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

var jobLabels = []string{"job"}

// JobCollector counts scheduler job firings, failures, and durations by job
// name (rss, delete, magic, reannounce, cleanup); the limiter loop and the
// Netcup check are not observed here.
type JobCollector struct {
	RunsTotal     *prometheus.CounterVec
	FailuresTotal *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
}

func NewJobCollector(r *prometheus.Registry) *JobCollector {
	m := &JobCollector{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_scheduler_job_runs_total",
			Help: "Total number of scheduler job runs",
		}, jobLabels),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_scheduler_job_failures_total",
			Help: "Total number of failed scheduler job runs",
		}, jobLabels),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_scheduler_job_duration_seconds",
			Help:    "Scheduler job run duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, jobLabels),
	}

	r.MustRegister(m.RunsTotal, m.FailuresTotal, m.Duration)
	return m
}

// LimiterCollector tracks the limiter loop's per-tick behavior.
type LimiterCollector struct {
	TicksTotal         prometheus.Counter
	TickFailuresTotal  prometheus.Counter
	TorrentsControlled prometheus.Gauge
}

func NewLimiterCollector(r *prometheus.Registry) *LimiterCollector {
	m := &LimiterCollector{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_limiter_ticks_total",
			Help: "Total number of limiter ticks",
		}),
		TickFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_limiter_tick_failures_total",
			Help: "Total number of failed limiter ticks",
		}),
		TorrentsControlled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_limiter_torrents_controlled",
			Help: "Torrents currently under speed control",
		}),
	}

	r.MustRegister(m.TicksTotal, m.TickFailuresTotal, m.TorrentsControlled)
	return m
}
