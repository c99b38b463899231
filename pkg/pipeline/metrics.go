// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsPipeline holds Prometheus metrics for the ingestion stages.
type metricsPipeline struct {
	once sync.Once

	stageRows        *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	zipExtract       *prometheus.CounterVec
	passwordAttempts prometheus.Counter
}

var pipeMetrics metricsPipeline

func (m *metricsPipeline) init() {
	m.once.Do(func() {
		m.stageRows = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medi_stage_processed_total",
			Help: "Rows processed per stage, by outcome",
		}, []string{"stage", "result"})
		m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medi_stage_duration_seconds",
			Help:    "Wall-clock duration of one stage invocation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		}, []string{"stage"})
		m.zipExtract = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medi_zip_extract_total",
			Help: "Zip extraction attempts, by outcome",
		}, []string{"result"})
		m.passwordAttempts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medi_password_attempts_total",
			Help: "Password candidates handed to the zip extractor",
		})

		prometheus.MustRegister(
			m.stageRows,
			m.stageDuration,
			m.zipExtract,
			m.passwordAttempts,
		)
	})
}

// record helpers - used by the stages for metrics tracking
func recordStageRows(stage, result string, n int) {
	if n <= 0 {
		return
	}
	pipeMetrics.init()
	pipeMetrics.stageRows.WithLabelValues(stage, result).Add(float64(n))
}

func observeStageDuration(stage string, start time.Time) {
	pipeMetrics.init()
	pipeMetrics.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func recordZipExtract(ok bool) {
	pipeMetrics.init()
	result := "ok"
	if !ok {
		result = "error"
	}
	pipeMetrics.zipExtract.WithLabelValues(result).Inc()
}

func recordPasswordAttempts(n int) {
	if n <= 0 {
		return
	}
	pipeMetrics.init()
	pipeMetrics.passwordAttempts.Add(float64(n))
}
