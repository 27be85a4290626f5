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
	"errors"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/util/clock"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// group holds the bins of one throttle group and runs the protocols that span
// several of them. Multi-bin operations take bins in name order, so that two
// callers never wait on each other's bins in opposite orders.
type group struct {
	groupType string
	name      string
	c         coord.Coordinator
	opts      Options

	mu             sync.Mutex
	spec           Spec
	alive          bool
	connectionBins map[string]*connectionBin
	fetchBins      map[string]*fetchBin
	throttleBins   map[string]*throttleBin
}

func newGroup(c coord.Coordinator, opts Options, groupType, name string, spec Spec) *group {
	return &group{
		groupType:      groupType,
		name:           name,
		c:              c,
		opts:           opts,
		spec:           spec,
		alive:          true,
		connectionBins: make(map[string]*connectionBin),
		fetchBins:      make(map[string]*fetchBin),
		throttleBins:   make(map[string]*throttleBin),
	}
}

// sortedBinNames returns names sorted and without duplicates.
func sortedBinNames(names []string) []string {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}

func (g *group) updateSpec(spec Spec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spec = spec
}

// binSet is the bins of every kind for a sorted list of names.
type binSet struct {
	connections []*connectionBin
	fetches     []*fetchBin
	throttles   []*throttleBin
}

// obtainBins returns the bins named, creating and registering the missing
// ones. New bins are polled once so that they start with a share of their
// limits; a failed first poll is only logged.
func (g *group) obtainBins(ctx context.Context, names []string) (*binSet, error) {
	g.mu.Lock()
	if !g.alive {
		g.mu.Unlock()
		return nil, protocolErrorf("throttle group %s/%s was removed", g.groupType, g.name)
	}
	set := &binSet{}
	var created []bin
	var err error
	for _, name := range names {
		cb, ok := g.connectionBins[name]
		if !ok {
			cb = newConnectionBin(g.c, g.opts, g.groupType, g.name, name)
			if err = cb.register(ctx); err != nil {
				break
			}
			cb.setMaxActive(g.spec.MaxOpenConnections(name))
			g.connectionBins[name] = cb
			created = append(created, cb)
		}
		fb, ok := g.fetchBins[name]
		if !ok {
			fb = newFetchBin(g.c, g.opts, g.groupType, g.name, name)
			if err = fb.register(ctx); err != nil {
				break
			}
			fb.setMinTimeBetweenFetches(g.spec.MinimumMillisecondsPerFetch(name))
			g.fetchBins[name] = fb
			created = append(created, fb)
		}
		tb, ok := g.throttleBins[name]
		if !ok {
			tb = newThrottleBin(g.c, g.opts, g.groupType, g.name, name)
			if err = tb.register(ctx); err != nil {
				break
			}
			tb.setMinimumMillisecondsPerByte(g.spec.MinimumMillisecondsPerByte(name))
			g.throttleBins[name] = tb
			created = append(created, tb)
		}
		set.connections = append(set.connections, cb)
		set.fetches = append(set.fetches, fb)
		set.throttles = append(set.throttles, tb)
	}
	g.mu.Unlock()
	if err != nil {
		// Bins registered before the failure stay in the group and are
		// reused by the next caller.
		return nil, err
	}

	for _, b := range created {
		_ = pollBin(ctx, b)
	}
	return set, nil
}

// refreshBins returns every bin of the group, and refreshes their limits from the
// current spec.
func (g *group) refreshBins() []bin {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.alive {
		return nil
	}
	all := make([]bin, 0, len(g.connectionBins)+len(g.fetchBins)+len(g.throttleBins))
	for name, b := range g.connectionBins {
		b.setMaxActive(g.spec.MaxOpenConnections(name))
		all = append(all, b)
	}
	for name, b := range g.fetchBins {
		b.setMinTimeBetweenFetches(g.spec.MinimumMillisecondsPerFetch(name))
		all = append(all, b)
	}
	for name, b := range g.throttleBins {
		b.setMinimumMillisecondsPerByte(g.spec.MinimumMillisecondsPerByte(name))
		all = append(all, b)
	}
	return all
}

// poll recomputes the local share of every bin. Bins are polled in parallel
// and independently; the first failure is returned once all are done.
func (g *group) poll(ctx context.Context) error {
	var eg errgroup.Group
	if g.opts.PollConcurrency > 0 {
		eg.SetLimit(g.opts.PollConcurrency)
	}
	for _, b := range g.refreshBins() {
		eg.Go(func() error { return pollBin(ctx, b) })
	}
	return eg.Wait()
}

// destroy shuts every bin down, failing their waiters, and leaves the
// registry.
func (g *group) destroy(ctx context.Context) error {
	g.mu.Lock()
	if !g.alive {
		g.mu.Unlock()
		return nil
	}
	g.alive = false
	var all []bin
	for _, b := range g.connectionBins {
		all = append(all, b)
	}
	for _, b := range g.fetchBins {
		all = append(all, b)
	}
	for _, b := range g.throttleBins {
		all = append(all, b)
	}
	g.mu.Unlock()

	var errs []error
	for _, b := range all {
		if err := b.shutDown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	klog.Infof("Destroyed throttle group %s/%s (%d bins)", g.groupType, g.name, len(all))
	return errors.Join(errs...)
}

// waitConnectionAvailable reserves a connection in every bin. When the bins
// disagree on whether it should come from the pool, the reservations are
// undone and the whole wait retried after a short random pause.
func (g *group) waitConnectionAvailable(ctx context.Context, bins []*connectionBin, pools []*PoolCount) (Recommendation, error) {
	for {
		rec, settled, err := g.tryReserveConnection(ctx, bins, pools)
		if settled {
			return rec, err
		}
		reservationConflicts.Inc(g.groupType)
		pause := g.opts.RetryPause/2 + rand.N(g.opts.RetryPause)
		if err := clock.SleepSource(ctx, pause, g.opts.TimeSource); err != nil {
			return FromNowhere, err
		}
	}
}

func (g *group) tryReserveConnection(ctx context.Context, bins []*connectionBin, pools []*PoolCount) (Recommendation, bool, error) {
	if len(bins) == 0 {
		return FromCreation, true, nil
	}
	recs := make([]Recommendation, 0, len(bins))
	undo := func() {
		for i := len(recs) - 1; i >= 0; i-- {
			if err := bins[i].undoReservation(recs[i], pools[i]); err != nil {
				klog.Errorf("Undoing reservation: %v", err)
			}
		}
	}
	for i, b := range bins {
		rec, err := b.waitConnectionAvailable(ctx, pools[i])
		if err != nil {
			undo()
			return FromNowhere, true, err
		}
		if rec == FromNowhere {
			undo()
			return FromNowhere, true, nil
		}
		if i > 0 && rec != recs[0] {
			if err := b.undoReservation(rec, pools[i]); err != nil {
				klog.Errorf("Undoing reservation: %v", err)
			}
			undo()
			return FromNowhere, false, nil
		}
		recs = append(recs, rec)
	}
	if recs[0] == FromCreation {
		for _, b := range bins {
			if err := b.noteConnectionCreation(); err != nil {
				return FromNowhere, true, err
			}
		}
	}
	return recs[0], true, nil
}

// noteReturnedConnection reports whether a connection coming back from use
// should be destroyed. If not, it is counted as pooled in every bin.
func (g *group) noteReturnedConnection(bins []*connectionBin, pools []*PoolCount) bool {
	for _, b := range bins {
		if b.shouldReturnedConnectionBeDestroyed() {
			return true
		}
	}
	for i, b := range bins {
		b.noteConnectionReturnedToPool(pools[i])
	}
	return false
}

// checkDestroyPooledConnection reports whether an idle pooled connection
// should be destroyed, in which case it is no longer counted as pooled.
func (g *group) checkDestroyPooledConnection(bins []*connectionBin, pools []*PoolCount) bool {
	destroy := false
	for i, b := range bins {
		switch b.shouldPooledConnectionBeDestroyed(pools[i]) {
		case PoolEmpty:
			undoPooled(bins[:i], pools)
			return false
		case Destroy:
			destroy = true
		}
	}
	if !destroy {
		undoPooled(bins, pools)
	}
	return destroy
}

// checkExpireConnection reports whether there is a pooled connection that
// may be expired, in which case it is no longer counted as pooled.
func (g *group) checkExpireConnection(bins []*connectionBin, pools []*PoolCount) bool {
	for i, b := range bins {
		if !b.hasPooledConnection(pools[i]) {
			undoPooled(bins[:i], pools)
			return false
		}
	}
	return true
}

func undoPooled(bins []*connectionBin, pools []*PoolCount) {
	for i, b := range bins {
		b.undoPooledConnectionDecision(pools[i])
	}
}

func (g *group) noteConnectionDestroyed(bins []*connectionBin) error {
	var errs []error
	for _, b := range bins {
		if err := b.noteConnectionDestroyed(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// obtainFetchDocumentPermission waits until a fetch is allowed in every bin.
// It first takes the reservation of every bin, then waits out each bin's
// interval in turn.
func (g *group) obtainFetchDocumentPermission(ctx context.Context, bins []*fetchBin) (bool, error) {
	for i, b := range bins {
		ok, err := b.reserveFetchRequest(ctx)
		if err != nil || !ok {
			clearReservations(bins[:i])
			return false, err
		}
	}
	for i, b := range bins {
		ok, err := b.waitNextFetch(ctx)
		if err != nil {
			clearReservations(bins[i:])
			return false, err
		}
		if !ok {
			clearReservations(bins[i+1:])
			return false, nil
		}
	}
	return true, nil
}

func clearReservations(bins []*fetchBin) {
	for _, b := range bins {
		if err := b.clearReservation(); err != nil {
			klog.Errorf("Clearing fetch reservation: %v", err)
		}
	}
}

func (g *group) beginFetch(bins []*throttleBin) {
	for _, b := range bins {
		b.beginFetch()
	}
}

func (g *group) endFetch(bins []*throttleBin) error {
	var errs []error
	for _, b := range bins {
		if _, err := b.endFetch(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *group) abortFetch(bins []*throttleBin) error {
	var errs []error
	for _, b := range bins {
		if err := b.abortFetch(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// obtainReadPermission waits until count bytes may be read in every bin.
func (g *group) obtainReadPermission(ctx context.Context, bins []*throttleBin, count int64) (bool, error) {
	for i, b := range bins {
		ok, err := b.beginRead(ctx, count)
		if err != nil || !ok {
			for _, begun := range bins[:i] {
				begun.endRead(count, 0)
			}
			return false, err
		}
	}
	return true, nil
}

func (g *group) releaseReadPermission(bins []*throttleBin, original, actual int64) {
	for _, b := range bins {
		b.endRead(original, actual)
	}
}

func (g *group) abortRead(bins []*throttleBin) {
	for _, b := range bins {
		b.abortRead()
	}
}
