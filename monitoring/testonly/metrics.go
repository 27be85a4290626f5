// Copyright 2017 Google LLC. All Rights Reserved.
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

// Package testonly contains test-only code shared by the MetricFactory
// implementations.
package testonly

import (
	"testing"

	"github.com/google/binthrottle/monitoring"
)

var labelCases = []struct {
	name       string
	labelNames []string
	labelVals  []string
}{
	{name: "0", labelNames: nil, labelVals: nil},
	{name: "1", labelNames: []string{"bin"}, labelVals: []string{"host-a"}},
	{name: "2", labelNames: []string{"group", "bin"}, labelVals: []string{"jdbc", "host-a"}},
}

// TestCounter runs a test on a Counter produced from the provided
// MetricFactory.
func TestCounter(t *testing.T, factory monitoring.MetricFactory) {
	t.Helper()
	for _, test := range labelCases {
		counter := factory.NewCounter("test_counter"+test.name, "Test only", test.labelNames...)
		if got, want := counter.Value(test.labelVals...), 0.0; got != want {
			t.Errorf("Counter[%v].Value()=%v; want %v", test.labelVals, got, want)
		}
		counter.Inc(test.labelVals...)
		counter.Add(2.5, test.labelVals...)
		if got, want := counter.Value(test.labelVals...), 3.5; got != want {
			t.Errorf("Counter[%v].Value()=%v; want %v", test.labelVals, got, want)
		}
		// An invalid number of labels is logged and ignored.
		libels := append(append([]string{}, test.labelVals...), "bogus")
		counter.Inc(libels...)
		if got, want := counter.Value(libels...), 0.0; got != want {
			t.Errorf("Counter[%v].Value()=%v; want %v", libels, got, want)
		}
	}
}

// TestGauge runs a test on a Gauge produced from the provided MetricFactory.
func TestGauge(t *testing.T, factory monitoring.MetricFactory) {
	t.Helper()
	for _, test := range labelCases {
		gauge := factory.NewGauge("test_gauge"+test.name, "Test only", test.labelNames...)
		gauge.Set(10, test.labelVals...)
		gauge.Inc(test.labelVals...)
		gauge.Dec(test.labelVals...)
		gauge.Dec(test.labelVals...)
		gauge.Add(-2.5, test.labelVals...)
		if got, want := gauge.Value(test.labelVals...), 6.5; got != want {
			t.Errorf("Gauge[%v].Value()=%v; want %v", test.labelVals, got, want)
		}
	}
}

// TestHistogram runs a test on a Histogram produced from the provided
// MetricFactory.
func TestHistogram(t *testing.T, factory monitoring.MetricFactory) {
	t.Helper()
	for _, test := range labelCases {
		hist := factory.NewHistogramWithBuckets("test_histogram"+test.name, "Test only", monitoring.WaitBuckets(), test.labelNames...)
		hist.Observe(0.5, test.labelVals...)
		hist.Observe(1.5, test.labelVals...)
		count, sum := hist.Info(test.labelVals...)
		if count != 2 || sum != 2.0 {
			t.Errorf("Histogram[%v].Info()=%v,%v; want 2,2.0", test.labelVals, count, sum)
		}
	}
}
