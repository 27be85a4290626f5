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

// unsetMsPerByte is the local byte pace of a bin that has not been polled, or
// whose share of the byte rate is zero. Reads wait for a poll.
const unsetMsPerByte = math.MaxFloat64

// throttleBin paces the bytes read from one bin. The fetches sharing the bin
// form a series; the first read of a series is let through unthrottled and
// the time it takes becomes the per-byte estimate used to schedule later
// reads.
type throttleBin struct {
	binBase
	monitor

	// Guarded by mu.
	alive              bool
	minMsPerByte       float64 // across all processes; 0 is unlimited
	localMinimum       float64
	refCount           int
	seriesStart        time.Time
	totalBytesRead     int64
	rateEstimate       float64 // ms per byte
	estimateValid      bool
	estimateInProgress bool
}

func newThrottleBin(c coord.Coordinator, opts Options, groupType, group, name string) *throttleBin {
	initMetrics(opts.MetricFactory)
	b := &throttleBin{
		binBase:      newBinBase(c, opts.TimeSource, streamKind, groupType, group, name),
		alive:        true,
		localMinimum: unsetMsPerByte,
	}
	b.monitor.init(opts.TimeSource)
	return b
}

// setMinimumMillisecondsPerByte sets the byte pace allowed across all
// processes. It takes effect at the next poll.
func (b *throttleBin) setMinimumMillisecondsPerByte(ms float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minMsPerByte = ms
}

// beginFetch adds a fetch to the series, starting a new series if there was
// none.
func (b *throttleBin) beginFetch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refCount++
	if b.refCount == 1 {
		b.estimateValid = false
		b.estimateInProgress = false
		b.rateEstimate = 0
		b.totalBytesRead = 0
	}
}

// endFetch removes a fetch from the series and reports whether the series is
// over.
func (b *throttleBin) endFetch() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refCount == 0 {
		return false, protocolErrorf("%v: fetch ended but none begun", b)
	}
	b.refCount--
	return b.refCount == 0, nil
}

// abortFetch removes a fetch that never read anything from the series.
func (b *throttleBin) abortFetch() error {
	_, err := b.endFetch()
	return err
}

// beginRead blocks until count bytes may be read. It returns false if the bin
// is shut down.
func (b *throttleBin) beginRead(ctx context.Context, count int64) (bool, error) {
	start := b.ts.Now()
	defer observeWait(b.ts, streamKind, start)

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if !b.alive {
			return false, nil
		}
		d := time.Duration(-1)
		switch {
		case !b.estimateValid && !b.estimateInProgress:
			b.seriesStart = b.ts.Now()
			b.estimateInProgress = true
			b.totalBytesRead += count
			return true, nil
		case !b.estimateValid, b.localMinimum == unsetMsPerByte:
			// Wait for the estimate, or for a poll.
		default:
			desiredEnd := float64(b.totalBytesRead+count) * b.localMinimum
			estimated := b.rateEstimate * float64(count)
			waitMs := desiredEnd - estimated - clock.MillisSince(b.ts, b.seriesStart)
			if waitMs <= 0 {
				b.totalBytesRead += count
				return true, nil
			}
			d = clock.MillisToDuration(waitMs)
		}
		if err := b.wait(ctx, d); err != nil {
			return false, err
		}
	}
}

// abortRead gives up a read begun with beginRead. If it was the read timing
// the series, another read will take over.
func (b *throttleBin) abortRead() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estimateInProgress {
		b.estimateInProgress = false
		b.broadcast()
	}
}

// endRead finishes a read of original bytes that actually returned actual
// bytes. The read timing the series sets the per-byte estimate.
func (b *throttleBin) endRead(original, actual int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalBytesRead += actual - original
	if b.estimateInProgress {
		if actual > 0 {
			b.rateEstimate = clock.MillisSince(b.ts, b.seriesStart) / float64(actual)
		} else {
			b.rateEstimate = 0
		}
		b.estimateValid = true
		b.estimateInProgress = false
		klog.V(2).Infof("%v: estimated %gms per byte", b, b.rateEstimate)
	}
	b.broadcast()
}

func (b *throttleBin) poll(ctx context.Context) error {
	b.mu.Lock()
	minMsPerByte := b.minMsPerByte
	b.mu.Unlock()

	if minMsPerByte <= 0 {
		if err := b.publish(ctx, packStreamRecord(0)); err != nil {
			return err
		}
		b.update(0)
		return nil
	}

	return b.withTargetLock(ctx, func() error {
		globalMaxRate := 1 / minMsPerByte
		var globalRate float64
		n := 1
		if err := b.scanOthers(ctx, func(id string, data []byte) error {
			if len(data) == 0 {
				n++
				return nil
			}
			rate, err := unpackStreamRecord(data)
			if err != nil {
				klog.Warningf("%v: skipping instance %s: %v", b, id, err)
				return nil
			}
			n++
			globalRate += rate
			return nil
		}); err != nil {
			return err
		}

		maximumTarget := max(0, globalMaxRate-globalRate)
		fairTarget := globalMaxRate / float64(n)
		target := min(maximumTarget, fairTarget)

		if err := b.publish(ctx, packStreamRecord(target)); err != nil {
			return err
		}
		msPerByte := unsetMsPerByte
		if target > 0 {
			msPerByte = 1 / target
		}
		klog.V(2).Infof("%v: %d instances, global rate %g bytes/ms, new pace %gms per byte", b, n, globalRate, msPerByte)
		b.update(msPerByte)
		return nil
	})
}

func (b *throttleBin) update(msPerByte float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msPerByte != b.localMinimum {
		b.localMinimum = msPerByte
		b.broadcast()
	}
	if b.localMinimum == unsetMsPerByte {
		streamMsPerByte.Set(-1, b.labels()...)
	} else {
		streamMsPerByte.Set(b.localMinimum, b.labels()...)
	}
}

func (b *throttleBin) shutDown(ctx context.Context) error {
	b.mu.Lock()
	b.alive = false
	b.broadcast()
	b.mu.Unlock()
	return b.deregister(ctx)
}
