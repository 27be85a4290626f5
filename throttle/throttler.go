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
	"slices"
	"sync"

	"github.com/google/binthrottle/coord"
	"k8s.io/klog/v2"
)

// Throttler holds the throttle groups of one process. A host process creates
// a single Throttler at startup, shares it with every connection pool, and
// calls Destroy at shutdown.
type Throttler struct {
	c    coord.Coordinator
	opts Options

	mu     sync.Mutex
	groups map[string]map[string]*group // group type -> group name -> group
}

// New returns a Throttler coordinating through c.
func New(c coord.Coordinator, opts Options) *Throttler {
	opts = opts.withDefaults()
	initMetrics(opts.MetricFactory)
	return &Throttler{
		c:      c,
		opts:   opts,
		groups: make(map[string]map[string]*group),
	}
}

// ThrottleGroups returns the sorted names of the groups of groupType.
func (t *Throttler) ThrottleGroups(groupType string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.groups[groupType]))
	for name := range t.groups[groupType] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateOrUpdateThrottleGroup creates the named group, or replaces its spec
// if it exists. New limits take effect at the next poll.
func (t *Throttler) CreateOrUpdateThrottleGroup(ctx context.Context, groupType, name string, spec Spec) error {
	if spec == nil {
		return protocolErrorf("no spec for throttle group %s/%s", groupType, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byName, ok := t.groups[groupType]
	if !ok {
		byName = make(map[string]*group)
		t.groups[groupType] = byName
	}
	if g, ok := byName[name]; ok {
		g.updateSpec(spec)
		klog.V(1).Infof("Updated throttle group %s/%s", groupType, name)
		return nil
	}
	byName[name] = newGroup(t.c, t.opts, groupType, name, spec)
	klog.Infof("Created throttle group %s/%s", groupType, name)
	return nil
}

// RemoveThrottleGroup destroys the named group. Its waiters are released
// with FromNowhere or false, and its bins leave the registry.
func (t *Throttler) RemoveThrottleGroup(ctx context.Context, groupType, name string) error {
	t.mu.Lock()
	g, ok := t.groups[groupType][name]
	if ok {
		delete(t.groups[groupType], name)
		if len(t.groups[groupType]) == 0 {
			delete(t.groups, groupType)
		}
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return g.destroy(ctx)
}

func (t *Throttler) group(groupType, name string) *group {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.groups[groupType][name]
}

// ObtainConnectionThrottler returns a handle for a connection pool whose
// connections count against the named bins of a group. It returns nil if the
// group does not exist. Bins are created on first use.
func (t *Throttler) ObtainConnectionThrottler(ctx context.Context, groupType, name string, binNames []string) (*ConnectionThrottler, error) {
	g := t.group(groupType, name)
	if g == nil {
		return nil, nil
	}
	names := sortedBinNames(binNames)
	set, err := g.obtainBins(ctx, names)
	if err != nil {
		return nil, err
	}
	pools := make([]*PoolCount, len(names))
	for i := range pools {
		pools[i] = &PoolCount{}
	}
	return &ConnectionThrottler{g: g, binNames: names, bins: set, pools: pools}, nil
}

func (t *Throttler) groupsOf(groupType string) []*group {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gs []*group
	for _, g := range t.groups[groupType] {
		gs = append(gs, g)
	}
	return gs
}

func (t *Throttler) allGroups() []*group {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gs []*group
	for _, byName := range t.groups {
		for _, g := range byName {
			gs = append(gs, g)
		}
	}
	return gs
}

// PollType recomputes the local shares of every bin of every group of
// groupType. Bins whose poll fails keep their previous limits.
func (t *Throttler) PollType(ctx context.Context, groupType string) error {
	return pollGroups(ctx, t.groupsOf(groupType))
}

// Poll recomputes the local shares of every bin of every group. It holds
// distributed locks, so it must not be called from latency sensitive code.
func (t *Throttler) Poll(ctx context.Context) error {
	return pollGroups(ctx, t.allGroups())
}

func pollGroups(ctx context.Context, gs []*group) error {
	var errs []error
	for _, g := range gs {
		if err := g.poll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FreeUnusedResources releases resources no longer needed. Bins live as long
// as their group, so there is currently nothing to free.
func (t *Throttler) FreeUnusedResources(ctx context.Context) error {
	return nil
}

// Destroy removes every group. The Throttler stays usable, empty.
func (t *Throttler) Destroy(ctx context.Context) error {
	t.mu.Lock()
	var gs []*group
	for _, byName := range t.groups {
		for _, g := range byName {
			gs = append(gs, g)
		}
	}
	t.groups = make(map[string]map[string]*group)
	t.mu.Unlock()

	var errs []error
	for _, g := range gs {
		if err := g.destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
