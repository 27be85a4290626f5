// Copyright 2018 Google LLC. All Rights Reserved.
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

// Package opencensus enables tracing of throttler polls using OpenCensus.
package opencensus

import (
	"context"

	"go.opencensus.io/trace"
)

// StartSpan starts an OpenCensus span; it matches monitoring.StartSpanFunc.
func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := trace.StartSpan(ctx, name)
	return ctx, span.End
}

// SetSampler configures the global OpenCensus sampler to sample the given
// fraction of traces; values >= 1 sample everything.
func SetSampler(fraction float64) {
	s := trace.ProbabilitySampler(fraction)
	if fraction >= 1 {
		s = trace.AlwaysSample()
	}
	trace.ApplyConfig(trace.Config{DefaultSampler: s})
}
