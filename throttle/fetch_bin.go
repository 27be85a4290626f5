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
	"math"
	"time"

	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/util/clock"
	"k8s.io/klog/v2"
)

// unsetInterval is the local fetch interval of a bin that has not been
// polled, or whose share of the fetch rate is zero. Fetches wait for a poll.
const unsetInterval = math.MaxInt64

// fetchBin enforces a minimum interval between fetches in one bin. A single
// reservation slot orders the callers competing for the next fetch.
type fetchBin struct {
	binBase
	monitor

	// Guarded by mu.
	alive         bool
	minInterval   int64 // across all processes, ms; 0 is unlimited
	localMinimum  int64 // ms
	lastFetchTime int64 // ms since epoch; never decreases
	reserved      bool
}

func newFetchBin(c coord.Coordinator, opts Options, groupType, group, name string) *fetchBin {
	initMetrics(opts.MetricFactory)
	b := &fetchBin{
		binBase:      newBinBase(c, opts.TimeSource, fetchKind, groupType, group, name),
		alive:        true,
		localMinimum: unsetInterval,
	}
	b.monitor.init(opts.TimeSource)
	return b
}

// setMinTimeBetweenFetches sets the interval allowed across all processes.
// It takes effect at the next poll.
func (b *fetchBin) setMinTimeBetweenFetches(ms int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minInterval = ms
}

// reserveFetchRequest blocks until the bin's reservation slot is taken by the
// caller. It returns false if the bin is shut down.
func (b *fetchBin) reserveFetchRequest(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if !b.alive {
			return false, nil
		}
		if !b.reserved {
			b.reserved = true
			return true, nil
		}
		if err := b.wait(ctx, -1); err != nil {
			return false, err
		}
	}
}

// clearReservation frees the slot taken by reserveFetchRequest.
func (b *fetchBin) clearReservation() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clearReservationLocked()
}

func (b *fetchBin) clearReservationLocked() error {
	if !b.reserved {
		return protocolErrorf("%v: no fetch reservation to clear", b)
	}
	b.reserved = false
	b.broadcast()
	return nil
}

// waitNextFetch blocks the holder of the reservation until the local interval
// has passed since the last fetch, then stamps the fetch time and frees the
// reservation. It returns false, with the reservation freed, if the bin is
// shut down. On a ctx error the reservation is kept.
func (b *fetchBin) waitNextFetch(ctx context.Context) (bool, error) {
	start := b.ts.Now()
	defer observeWait(b.ts, fetchKind, start)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reserved {
		return false, protocolErrorf("%v: waiting for a fetch without a reservation", b)
	}
	for {
		if !b.alive {
			return false, b.clearReservationLocked()
		}
		d := time.Duration(-1)
		if b.localMinimum != unsetInterval {
			now := b.nowMillis()
			waitMs := b.lastFetchTime + b.localMinimum - now
			if waitMs <= 0 {
				b.lastFetchTime = max(b.lastFetchTime, now)
				return true, b.clearReservationLocked()
			}
			d = clock.MillisToDuration(float64(waitMs))
		}
		if err := b.wait(ctx, d); err != nil {
			return false, err
		}
	}
}

func (b *fetchBin) nowMillis() int64 {
	return b.ts.Now().UnixMilli()
}

// intervalForRate converts a rate in fetches/ms back to an interval in ms.
func intervalForRate(rate float64) int64 {
	if rate <= 0 {
		return unsetInterval
	}
	iv := math.Round(1 / rate)
	if iv >= math.MaxInt64/2 {
		return unsetInterval
	}
	return int64(iv)
}

func (b *fetchBin) poll(ctx context.Context) error {
	b.mu.Lock()
	minInterval, lastFetch := b.minInterval, b.lastFetchTime
	b.mu.Unlock()

	if minInterval <= 0 {
		if err := b.publish(ctx, packFetchRecord(0, lastFetch)); err != nil {
			return err
		}
		b.update(0, lastFetch)
		return nil
	}

	return b.withTargetLock(ctx, func() error {
		globalMaxRate := 1 / float64(minInterval)
		var globalRate float64
		var latestNext int64
		n := 1
		if err := b.scanOthers(ctx, func(id string, data []byte) error {
			if len(data) == 0 {
				n++
				return nil
			}
			rate, next, err := unpackFetchRecord(data)
			if err != nil {
				klog.Warningf("%v: skipping instance %s: %v", b, id, err)
				return nil
			}
			n++
			globalRate += rate
			latestNext = max(latestNext, next)
			return nil
		}); err != nil {
			return err
		}

		maximumTarget := max(0, globalMaxRate-globalRate)
		fairTarget := globalMaxRate / float64(n)
		target := min(maximumTarget, fairTarget)
		interval := intervalForRate(target)

		b.mu.Lock()
		lastFetch := b.lastFetchTime
		b.mu.Unlock()
		next := lastFetch
		if interval != unsetInterval {
			next = lastFetch + interval
			if latestNext > next {
				// Line up behind the process due to fetch last.
				next = latestNext
				lastFetch = latestNext - interval
			}
		}

		if err := b.publish(ctx, packFetchRecord(target, next)); err != nil {
			return err
		}
		klog.V(2).Infof("%v: %d instances, global rate %g/ms, new interval %dms, next fetch %d", b, n, globalRate, interval, next)
		b.update(interval, lastFetch)
		return nil
	})
}

// update installs the result of a poll, waking waiters if anything changed.
func (b *fetchBin) update(interval, lastFetch int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	if interval != b.localMinimum {
		b.localMinimum = interval
		changed = true
	}
	if lastFetch > b.lastFetchTime {
		b.lastFetchTime = lastFetch
		changed = true
	}
	if changed {
		b.broadcast()
	}
	if b.localMinimum == unsetInterval {
		fetchInterval.Set(-1, b.labels()...)
	} else {
		fetchInterval.Set(float64(b.localMinimum), b.labels()...)
	}
}

func (b *fetchBin) shutDown(ctx context.Context) error {
	b.mu.Lock()
	b.alive = false
	b.broadcast()
	b.mu.Unlock()
	return b.deregister(ctx)
}
