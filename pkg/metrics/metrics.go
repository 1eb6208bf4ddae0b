/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the scheduler's operating metrics: how long
// each scheduling attempt takes and what it resolves to. It registers
// against a private registry rather than prometheus' global
// DefaultRegisterer, so tests can construct as many independent
// Recorders as they like without colliding on metric names.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetforge_scheduler"

// Recorder holds the metrics a scheduler.Service reports against. The
// zero value is not usable; construct with NewRecorder.
type Recorder struct {
	attempts prometheus.CounterVec
	duration prometheus.HistogramVec
}

// NewRecorder builds a Recorder and registers its collectors against reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "schedule",
		Name:      "attempts_total",
		Help:      "Count of scheduling attempts by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "schedule",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of a single TrySchedule call.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
	reg.MustRegister(attempts, duration)
	return &Recorder{attempts: *attempts, duration: *duration}
}

// ObserveAttempt records the outcome and wall-clock duration of one
// TrySchedule call.
func (r *Recorder) ObserveAttempt(outcome string, d time.Duration) {
	r.attempts.WithLabelValues(outcome).Inc()
	r.duration.WithLabelValues(outcome).Observe(d.Seconds())
}
