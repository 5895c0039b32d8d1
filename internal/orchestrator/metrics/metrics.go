// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	dispatcherTicks *prometheus.CounterVec
	claimDuration   prometheus.Histogram
	runningJobs     prometheus.Gauge
	notifyFanout    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
)

// Dispatcher tick outcomes.
const (
	TickGated        = "gated"
	TickIdle         = "idle"
	TickLaunched     = "launched"
	TickLaunchFailed = "launch_failed"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used
// by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus
// format, for GET /metrics.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveDispatcherTick records one dispatcher tick outcome.
func ObserveDispatcherTick(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if dispatcherTicks != nil {
		dispatcherTicks.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveClaimDuration records how long a claimNextPending call took.
func ObserveClaimDuration(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if claimDuration != nil {
		claimDuration.Observe(durationSeconds(d))
	}
}

// SetRunningJobs sets the current running-job gauge, refreshed once
// per dispatcher tick.
func SetRunningJobs(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if runningJobs != nil {
		runningJobs.Set(float64(n))
	}
}

// ObserveNotifyFanout records a fanout post outcome ("success",
// "error") for a target ("downstream", "callback").
func ObserveNotifyFanout(target, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if notifyFanout != nil {
		notifyFanout.WithLabelValues(sanitizeLabel(target, "unknown"), sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveHTTPRequest records an inbound HTTP request.
func ObserveHTTPRequest(route string, code int, duration time.Duration) {
	label := sanitizeLabel(route, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if httpRequests != nil {
		httpRequests.WithLabelValues(label, statusLabel(code)).Inc()
	}
	if httpDuration != nil {
		httpDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatcher",
		Name:      "ticks_total",
		Help:      "Total dispatcher ticks grouped by outcome.",
	}, []string{"outcome"})

	claim := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatcher",
		Name:      "claim_duration_seconds",
		Help:      "Duration of claimNextPending calls.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatcher",
		Name:      "running_jobs",
		Help:      "Current number of jobs in status=running.",
	})

	fanout := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "notifier",
		Name:      "fanout_total",
		Help:      "Total fire-and-forget fanout posts grouped by target and outcome.",
	}, []string{"target", "outcome"})

	httpReq := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "ingress",
		Name:      "http_requests_total",
		Help:      "Total inbound HTTP requests grouped by route and status code.",
	}, []string{"route", "code"})

	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "ingress",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of inbound HTTP requests by route.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"})

	registry.MustRegister(ticks, claim, running, fanout, httpReq, httpDur)

	reg = registry
	dispatcherTicks = ticks
	claimDuration = claim
	runningJobs = running
	notifyFanout = fanout
	httpRequests = httpReq
	httpDuration = httpDur
}

func statusLabel(code int) string {
	if code <= 0 {
		return "error"
	}
	switch {
	case code < 100 || code > 599:
		return "unknown"
	default:
		return strconv.Itoa(code)
	}
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
