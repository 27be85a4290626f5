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
	"context"
	"time"

	"github.com/google/binthrottle/util/clock"
	"k8s.io/klog/v2"
)

// DefaultPollInterval is how often a Poller polls when no interval is given.
const DefaultPollInterval = 5 * time.Second

// Poller polls a Throttler at a fixed interval.
type Poller struct {
	t        *Throttler
	interval time.Duration
	timeout  time.Duration
	ts       clock.TimeSource
}

// NewPoller returns a Poller for t. Each pass is abandoned after timeout, if
// positive.
func NewPoller(t *Throttler, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{t: t, interval: interval, timeout: timeout, ts: t.opts.TimeSource}
}

// PollOnce polls every group once.
func (p *Poller) PollOnce(ctx context.Context) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.t.Poll(ctx)
}

// Run polls until ctx is done. Failures are logged and the limits of the
// bins concerned stay as they were until a later pass succeeds.
func (p *Poller) Run(ctx context.Context) {
	klog.Infof("Throttle poller starting, interval %v", p.interval)
	for {
		start := p.ts.Now()
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			klog.Errorf("Poll failed: %v", err)
		}

		wait := p.interval - p.ts.Now().Sub(start)
		if wait > 0 {
			klog.V(2).Infof("Poll started at %v took %v; next in %v", start, p.interval-wait, wait)
		} else {
			wait = 0
		}
		if err := clock.SleepSource(ctx, wait, p.ts); err != nil {
			klog.Infof("Throttle poller shutting down")
			return
		}
	}
}
