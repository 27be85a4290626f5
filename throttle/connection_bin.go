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

	"github.com/google/binthrottle/coord"
	"k8s.io/klog/v2"
)

// connectionBin limits the connections open in one bin. Every connection that
// exists counts as in use, including idle ones sitting in a pool.
type connectionBin struct {
	binBase
	monitor

	rampUpShift uint
	intn        func(n int) int

	// Guarded by mu.
	alive            bool
	maxActive        int
	localMax         int
	reserved         int
	inUse            int
	referencingPools int
}

func newConnectionBin(c coord.Coordinator, opts Options, groupType, group, name string) *connectionBin {
	initMetrics(opts.MetricFactory)
	b := &connectionBin{
		binBase:     newBinBase(c, opts.TimeSource, connectionKind, groupType, group, name),
		rampUpShift: opts.RampUpShift,
		intn:        opts.Intn,
		alive:       true,
	}
	b.monitor.init(opts.TimeSource)
	return b
}

// setMaxActive sets the number of connections allowed across all processes.
// It takes effect at the next poll.
func (b *connectionBin) setMaxActive(maxActive int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxActive = maxActive
}

// adjustPool changes a pool count by delta, keeping referencingPools equal to
// the number of pools with a non-zero count. b.mu must be held.
func (b *connectionBin) adjustPool(pc *PoolCount, delta int32) {
	before := pc.n.Load()
	after := before + delta
	pc.n.Store(after)
	switch {
	case before == 0 && after > 0:
		b.referencingPools++
	case before > 0 && after == 0:
		b.referencingPools--
	}
}

func (b *connectionBin) noteMetricsLocked() {
	connectionLimit.Set(float64(b.localMax), b.labels()...)
	connectionsInUse.Set(float64(b.inUse), b.labels()...)
}

// waitConnectionAvailable blocks until a connection may be taken from the
// pool or created, and reserves it.
func (b *connectionBin) waitConnectionAvailable(ctx context.Context, pc *PoolCount) (Recommendation, error) {
	start := b.ts.Now()
	defer observeWait(b.ts, connectionKind, start)

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if !b.alive {
			return FromNowhere, nil
		}
		if pc.n.Load() > 0 {
			b.adjustPool(pc, -1)
			return FromPool, nil
		}
		if b.inUse+b.reserved < b.localMax {
			b.reserved++
			return FromCreation, nil
		}
		if err := b.wait(ctx, -1); err != nil {
			return FromNowhere, err
		}
	}
}

// undoReservation reverses a successful waitConnectionAvailable that returned
// rec.
func (b *connectionBin) undoReservation(rec Recommendation, pc *PoolCount) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch rec {
	case FromPool:
		b.adjustPool(pc, 1)
	case FromCreation:
		if b.reserved == 0 {
			return protocolErrorf("%v: no connection reservation to undo", b)
		}
		b.reserved--
	default:
		return nil
	}
	b.broadcast()
	return nil
}

// noteConnectionCreation turns a reservation into an in-use connection.
func (b *connectionBin) noteConnectionCreation() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserved == 0 {
		return protocolErrorf("%v: connection created without a reservation", b)
	}
	b.reserved--
	b.inUse++
	b.noteMetricsLocked()
	return nil
}

// shouldReturnedConnectionBeDestroyed reports whether the bin holds more
// connections than its local share, so that one coming back from use should
// be closed instead of pooled.
func (b *connectionBin) shouldReturnedConnectionBeDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse > b.localMax
}

// shouldPooledConnectionBeDestroyed takes one connection out of pc, unless it
// is empty, and decides whether it should be destroyed. Each pool referencing
// the bin is entitled to an even split of the local share. WithinBounds must
// be followed by undoPooledConnectionDecision.
func (b *connectionBin) shouldPooledConnectionBeDestroyed(pc *PoolCount) PooledDecision {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pc.n.Load() == 0 {
		return PoolEmpty
	}
	pools := b.referencingPools
	b.adjustPool(pc, -1)
	if b.inUse > b.localMax/pools {
		return Destroy
	}
	return WithinBounds
}

// hasPooledConnection takes one connection out of pc if there is one.
func (b *connectionBin) hasPooledConnection(pc *PoolCount) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pc.n.Load() == 0 {
		return false
	}
	b.adjustPool(pc, -1)
	return true
}

// undoPooledConnectionDecision puts back a connection taken out of pc by
// shouldPooledConnectionBeDestroyed or hasPooledConnection.
func (b *connectionBin) undoPooledConnectionDecision(pc *PoolCount) {
	b.noteConnectionReturnedToPool(pc)
}

// noteConnectionReturnedToPool records that an in-use connection now idles
// in the pool counted by pc.
func (b *connectionBin) noteConnectionReturnedToPool(pc *PoolCount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adjustPool(pc, 1)
	b.broadcast()
}

// noteConnectionDestroyed records that a connection has been closed.
func (b *connectionBin) noteConnectionDestroyed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inUse == 0 {
		return protocolErrorf("%v: connection destroyed but none in use", b)
	}
	b.inUse--
	b.noteMetricsLocked()
	b.broadcast()
	return nil
}

// computeTarget returns the share of limit this process should hold next,
// given the sums of the targets and in-use counts published by the other
// instances, and the number of instances including this one. b.mu must be
// held.
func (b *connectionBin) computeTarget(limit int, globalTarget, globalInUse int64, n int) int {
	maximumTarget := int(max(min(int64(limit)-globalTarget, int64(limit)-globalInUse), 0))

	fairTarget := limit / n
	if rem := limit % n; rem > 0 && b.intn(n) < rem {
		fairTarget++
	}

	var optimalTarget int
	if b.localMax > b.inUse {
		// Shrink towards actual use, freeing capacity for others.
		optimalTarget = b.localMax - 1
	} else {
		optimalTarget = b.localMax + max(limit>>b.rampUpShift, 1)
	}
	return min(maximumTarget, fairTarget, optimalTarget)
}

func (b *connectionBin) poll(ctx context.Context) error {
	b.mu.Lock()
	limit, inUse := b.maxActive, b.inUse
	b.mu.Unlock()

	if limit >= math.MaxInt32 {
		if err := b.publish(ctx, packConnectionRecord(math.MaxInt32, clampInt32(inUse))); err != nil {
			return err
		}
		b.setLocalMax(limit)
		return nil
	}

	return b.withTargetLock(ctx, func() error {
		var globalTarget, globalInUse int64
		n := 1
		if err := b.scanOthers(ctx, func(id string, data []byte) error {
			if len(data) == 0 {
				// Registered but never polled.
				n++
				return nil
			}
			target, used, err := unpackConnectionRecord(data)
			if err != nil {
				klog.Warningf("%v: skipping instance %s: %v", b, id, err)
				return nil
			}
			n++
			globalTarget += int64(target)
			globalInUse += int64(used)
			return nil
		}); err != nil {
			return err
		}

		b.mu.Lock()
		target := b.computeTarget(limit, globalTarget, globalInUse, n)
		inUse := b.inUse
		b.mu.Unlock()

		if err := b.publish(ctx, packConnectionRecord(clampInt32(target), clampInt32(inUse))); err != nil {
			return err
		}
		klog.V(2).Infof("%v: %d instances, global target %d, global in use %d, new target %d", b, n, globalTarget, globalInUse, target)
		b.setLocalMax(target)
		return nil
	})
}

func (b *connectionBin) setLocalMax(target int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if target != b.localMax {
		b.localMax = target
		b.broadcast()
	}
	b.noteMetricsLocked()
}

func (b *connectionBin) shutDown(ctx context.Context) error {
	b.mu.Lock()
	b.alive = false
	b.broadcast()
	b.mu.Unlock()
	return b.deregister(ctx)
}
