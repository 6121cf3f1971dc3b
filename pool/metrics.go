// Copyright 2025 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type poolMetrics struct {
	set       *metrics.Set
	claims    *metrics.Counter
	releases  *metrics.Counter
	exhausted *metrics.Counter
	conflicts *metrics.Counter
}

// Each pool registers into its own set, so several pools can live in one process.
func newPoolMetrics(p *Pool) *poolMetrics {
	s := metrics.NewSet()
	m := &poolMetrics{
		set:       s,
		claims:    s.NewCounter("nal_pool_claims_total"),
		releases:  s.NewCounter("nal_pool_releases_total"),
		exhausted: s.NewCounter("nal_pool_exhausted_total"),
		conflicts: s.NewCounter("nal_pool_endpoint_conflicts_total"),
	}
	for _, kind := range []Kind{TCP, UDP, Raw} {
		s.NewGauge(fmt.Sprintf(`nal_pool_slots_claimed{kind=%q}`, kind.String()), func() float64 {
			return float64(p.Claimed(kind))
		})
		s.NewGauge(fmt.Sprintf(`nal_pool_slots_capacity{kind=%q}`, kind.String()), func() float64 {
			return float64(p.Capacity(kind))
		})
	}
	return m
}

// Metrics returns the set holding the pool's metrics.
func (p *Pool) Metrics() *metrics.Set {
	return p.metrics.set
}

// WritePrometheus writes the pool's metrics in Prometheus text format.
func (p *Pool) WritePrometheus(w io.Writer) {
	p.metrics.set.WritePrometheus(w)
}
