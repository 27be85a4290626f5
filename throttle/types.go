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
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/binthrottle/monitoring"
	"github.com/google/binthrottle/util/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Recommendation tells a connection pool where the connection it waited for
// should come from.
type Recommendation int

const (
	// FromNowhere means no connection may be used, because the throttle
	// group was destroyed.
	FromNowhere Recommendation = iota
	// FromPool means an idle pooled connection should be reused. The pool
	// count of every bin has already been decremented.
	FromPool
	// FromCreation means a new connection should be created. It is already
	// counted as in use by every bin.
	FromCreation
)

func (r Recommendation) String() string {
	switch r {
	case FromNowhere:
		return "FromNowhere"
	case FromPool:
		return "FromPool"
	case FromCreation:
		return "FromCreation"
	}
	return "Recommendation(?)"
}

// PooledDecision is a bin's verdict on an idle pooled connection.
type PooledDecision int

const (
	// WithinBounds means the pooled connection may be kept.
	WithinBounds PooledDecision = iota
	// Destroy means the bin holds more connections than its share.
	Destroy
	// PoolEmpty means there is no pooled connection to decide on.
	PoolEmpty
)

// PoolCount is the number of idle connections one pool holds for one bin. It
// is only changed by the bin it belongs to, but may be read at any time.
type PoolCount struct {
	n atomic.Int32
}

// Get returns the current count.
func (p *PoolCount) Get() int32 {
	return p.n.Load()
}

// Spec supplies the global limits of the bins of one throttle group. A
// group's Spec may be replaced at any time with CreateOrUpdateThrottleGroup.
type Spec interface {
	// MaxOpenConnections returns the maximum number of connections that
	// may be open in the bin across all processes. math.MaxInt32 or more
	// means unlimited.
	MaxOpenConnections(bin string) int
	// MinimumMillisecondsPerFetch returns the minimum interval between
	// fetches in the bin across all processes. Zero means unlimited.
	MinimumMillisecondsPerFetch(bin string) int64
	// MinimumMillisecondsPerByte returns the minimum time, across all
	// processes, that reading one byte from the bin must take. Zero means
	// unlimited.
	MinimumMillisecondsPerByte(bin string) float64
}

// Options configures a Throttler. Zero fields take their defaults.
type Options struct {
	// TimeSource is used for every wait and timestamp.
	TimeSource clock.TimeSource
	// MetricFactory creates the package metrics the first time a
	// Throttler is created.
	MetricFactory monitoring.MetricFactory
	// RampUpShift sets how fast a process grows its share of a connection
	// bin: by the global maximum shifted right by RampUpShift per poll.
	RampUpShift uint
	// RetryPause is the average pause before a multi-bin connection wait
	// whose bins disagreed is retried.
	RetryPause time.Duration
	// PollConcurrency bounds how many bins are polled at once. Zero or
	// less means no bound.
	PollConcurrency int
	// Intn returns a pseudo-random number in [0, n). It rounds fair shares
	// of connection bins.
	Intn func(n int) int
}

const (
	// DefaultRampUpShift is the RampUpShift used when none is set.
	DefaultRampUpShift = 2
	// DefaultRetryPause is the RetryPause used when none is set.
	DefaultRetryPause = 10 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.TimeSource == nil {
		o.TimeSource = clock.System
	}
	if o.MetricFactory == nil {
		o.MetricFactory = monitoring.InertMetricFactory{}
	}
	if o.RampUpShift == 0 {
		o.RampUpShift = DefaultRampUpShift
	}
	if o.RetryPause <= 0 {
		o.RetryPause = DefaultRetryPause
	}
	if o.Intn == nil {
		o.Intn = rand.IntN
	}
	return o
}

// protocolErrorf reports a call made out of protocol order, such as clearing
// a reservation that was never made.
func protocolErrorf(format string, args ...interface{}) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

// unavailableErrorf reports a coordination backend failure. Local limits are
// left at their previous values.
func unavailableErrorf(format string, args ...interface{}) error {
	return status.Errorf(codes.Unavailable, format, args...)
}
