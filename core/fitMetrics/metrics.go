// Licensed to NASA JPL under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. NASA JPL licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package fitMetrics collects prometheus metrics for map fitting runs: per-pixel fit timing and
// outcome, time spent in each stage of a scan, and scans completed. Long runs can serve them
// over HTTP, batch runs write them to a textfile for node_exporter to pick up.
package fitMetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pixel outcomes, used as label values
const (
	OutcomeOK            = "ok"
	OutcomeFailed        = "failed"
	OutcomeRankDeficient = "rank_deficient"
)

// Metrics - all metrics for a run, on their own registry so several runs (or tests) in one
// process don't collide. A nil *Metrics is valid and records nothing
type Metrics struct {
	Registry *prometheus.Registry

	pixelDuration *prometheus.HistogramVec
	pixelsFitted  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	scans         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		pixelDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xrfmap_pixel_fit_seconds",
			Help:    "Duration of fitting a single pixel spectrum.",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"method"}),
		pixelsFitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xrfmap_pixels_fitted_total",
			Help: "Number of pixel spectra fitted, by outcome.",
		}, []string{"method", "outcome"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xrfmap_stage_seconds",
			Help:    "Duration of each stage of processing a scan.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		scans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xrfmap_scans_total",
			Help: "Number of scans processed, by status.",
		}, []string{"status"}),
	}
}

// ObservePixel - records one pixel fit
func (m *Metrics) ObservePixel(method string, duration time.Duration, failed bool, rankDeficient bool) {
	if m == nil {
		return
	}

	m.pixelDuration.WithLabelValues(method).Observe(duration.Seconds())

	outcome := OutcomeOK
	if failed {
		outcome = OutcomeFailed
	} else if rankDeficient {
		outcome = OutcomeRankDeficient
	}
	m.pixelsFitted.WithLabelValues(method, outcome).Inc()
}

// ObserveStage - records how long a stage took, given when it started
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ScanDone - counts a finished scan, successful or not
func (m *Metrics) ScanDone(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.scans.WithLabelValues(status).Inc()
}

// Handler - serves the metrics in prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// WriteTextfile - writes the current metrics to a file in node_exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
