// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package throttle

import (
	"sync"

	"github.com/google/binthrottle/monitoring"
)

const (
	groupTypeLabel = "group_type"
	groupLabel     = "group"
	binLabel       = "bin"
	kindLabel      = "kind"
)

var (
	once                 sync.Once
	connectionLimit      monitoring.Gauge
	connectionsInUse     monitoring.Gauge
	fetchInterval        monitoring.Gauge
	streamMsPerByte      monitoring.Gauge
	waitLatency          monitoring.Histogram
	pollLatency          monitoring.Histogram
	polls                monitoring.Counter
	failedPolls          monitoring.Counter
	reservationConflicts monitoring.Counter
)

// initMetrics creates the package metrics with mf the first time it is called.
func initMetrics(mf monitoring.MetricFactory) {
	once.Do(func() { createMetrics(mf) })
}

func createMetrics(mf monitoring.MetricFactory) {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	connectionLimit = mf.NewGauge("connection_limit", "Connections this process may hold in the bin", groupTypeLabel, groupLabel, binLabel)
	connectionsInUse = mf.NewGauge("connections_in_use", "Connections this process holds in the bin, pooled ones included", groupTypeLabel, groupLabel, binLabel)
	fetchInterval = mf.NewGauge("fetch_interval_ms", "Minimum milliseconds between fetches by this process in the bin; -1 while unset", groupTypeLabel, groupLabel, binLabel)
	streamMsPerByte = mf.NewGauge("stream_ms_per_byte", "Minimum milliseconds per byte read by this process in the bin; -1 while unset", groupTypeLabel, groupLabel, binLabel)
	waitLatency = mf.NewHistogramWithBuckets("wait_seconds", "Time callers spent blocked in bins", monitoring.WaitBuckets(), kindLabel)
	pollLatency = mf.NewHistogramWithBuckets("poll_seconds", "Duration of bin polls, distributed lock included", monitoring.PollBuckets(), kindLabel)
	polls = mf.NewCounter("polls", "Number of bin polls", kindLabel)
	failedPolls = mf.NewCounter("failed_polls", "Number of bin polls that failed and kept the previous limit", kindLabel)
	// A multi-bin connection wait whose bins disagree on the source of the
	// connection undoes its reservations and starts over.
	reservationConflicts = mf.NewCounter("reservation_conflicts", "Number of multi-bin connection waits retried after the bins disagreed", groupTypeLabel)
}
