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

package monitoring_test

import (
	"context"
	"testing"

	"github.com/google/binthrottle/monitoring"
	"github.com/google/binthrottle/monitoring/testonly"
)

func TestInertCounter(t *testing.T) {
	testonly.TestCounter(t, monitoring.InertMetricFactory{})
}

func TestInertGauge(t *testing.T) {
	testonly.TestGauge(t, monitoring.InertMetricFactory{})
}

func TestInertHistogram(t *testing.T) {
	testonly.TestHistogram(t, monitoring.InertMetricFactory{})
}

func TestExpBuckets(t *testing.T) {
	got := monitoring.ExpBuckets(1, 2, 4)
	want := []float64{1, 2, 4, 8}
	if len(got) != len(want) {
		t.Fatalf("ExpBuckets()=%v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ExpBuckets()[%d]=%v; want %v", i, got[i], want[i])
		}
	}
}

func TestStartSpanDefaultIsNoop(t *testing.T) {
	ctx := context.Background()
	got, end := monitoring.StartSpan(ctx, "poll")
	defer end()
	if got != ctx {
		t.Error("StartSpan() returned a different context; want the input context")
	}
}
