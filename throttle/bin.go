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
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/monitoring"
	"github.com/google/binthrottle/util/clock"
	"k8s.io/klog/v2"
)

// Kinds of bin, used as metric labels and as service type prefixes.
const (
	connectionKind = "connection"
	fetchKind      = "fetch"
	streamKind     = "stream"
)

var servicePrefixes = map[string]string{
	connectionKind: "_THROTTLEBIN_",
	fetchKind:      "_FETCHBIN_",
	streamKind:     "_STREAMBIN_",
}

// serviceTypeName returns the registry service type of a bin. Each part is
// path escaped so that distinct bins never share a name.
func serviceTypeName(kind, groupType, group, bin string) string {
	parts := []string{url.PathEscape(groupType), url.PathEscape(group), url.PathEscape(bin)}
	return servicePrefixes[kind] + strings.Join(parts, "/")
}

// bin is the behaviour the group needs from every kind of bin.
type bin interface {
	base() *binBase
	// poll recomputes the local share of the bin. The caller holds no lock.
	poll(ctx context.Context) error
	// shutDown wakes and fails every waiter and leaves the registry.
	shutDown(ctx context.Context) error
}

// binBase holds what all kinds of bin share: identity and registration.
type binBase struct {
	kind        string
	groupType   string
	group       string
	name        string
	serviceType string
	instanceID  string

	coord coord.Coordinator
	ts    clock.TimeSource
}

func newBinBase(c coord.Coordinator, ts clock.TimeSource, kind, groupType, group, name string) binBase {
	return binBase{
		kind:        kind,
		groupType:   groupType,
		group:       group,
		name:        name,
		serviceType: serviceTypeName(kind, groupType, group, name),
		coord:       c,
		ts:          ts,
	}
}

func (b *binBase) base() *binBase { return b }

func (b *binBase) String() string {
	return fmt.Sprintf("%s bin %s/%s/%s", b.kind, b.groupType, b.group, b.name)
}

// labels returns the metric label values of the bin.
func (b *binBase) labels() []string {
	return []string{b.groupType, b.group, b.name}
}

// register creates the bin's registry instance.
func (b *binBase) register(ctx context.Context) error {
	id, err := b.coord.RegisterService(ctx, b.serviceType)
	if err != nil {
		return unavailableErrorf("registering %v: %v", b, err)
	}
	b.instanceID = id
	klog.V(1).Infof("Registered %v as %s", b, id)
	return nil
}

// deregister removes the bin's registry instance.
func (b *binBase) deregister(ctx context.Context) error {
	if err := b.coord.EndServiceActivity(ctx, b.serviceType, b.instanceID); err != nil {
		return unavailableErrorf("deregistering %v: %v", b, err)
	}
	return nil
}

// targetLock returns the distributed lock serializing polls of this bin
// across processes.
func (b *binBase) targetLock() string {
	return b.serviceType + "/target"
}

// withTargetLock runs fn while holding the bin's distributed lock.
func (b *binBase) withTargetLock(ctx context.Context, fn func() error) error {
	lock := b.targetLock()
	if err := b.coord.EnterWriteLock(ctx, lock); err != nil {
		return unavailableErrorf("locking %v: %v", b, err)
	}
	defer func() {
		// Released even when ctx is done, so the lock is not left to expire.
		if err := b.coord.LeaveWriteLock(context.WithoutCancel(ctx), lock); err != nil {
			klog.Errorf("Failed to release lock %q: %v", lock, err)
		}
	}()
	return fn()
}

// scanOthers calls fn with the record of every other instance of the bin.
// Instances that have not published yet are passed with empty data.
func (b *binBase) scanOthers(ctx context.Context, fn func(instanceID string, data []byte) error) error {
	err := b.coord.ScanServiceData(ctx, b.serviceType, func(id string, data []byte) error {
		if id == b.instanceID {
			return nil
		}
		return fn(id, data)
	})
	if err != nil {
		return unavailableErrorf("scanning %v: %v", b, err)
	}
	return nil
}

// publish replaces the bin's record.
func (b *binBase) publish(ctx context.Context, data []byte) error {
	if err := b.coord.UpdateServiceData(ctx, b.serviceType, b.instanceID, data); err != nil {
		return unavailableErrorf("publishing %v: %v", b, err)
	}
	return nil
}

// pollBin polls b, recording the outcome in metrics and logs.
func pollBin(ctx context.Context, b bin) error {
	base := b.base()
	ctx, end := monitoring.StartSpan(ctx, fmt.Sprintf("throttle.poll.%s", base.kind))
	defer end()

	start := base.ts.Now()
	err := b.poll(ctx)
	pollLatency.Observe(clock.MillisSince(base.ts, start)/1000, base.kind)
	polls.Inc(base.kind)
	if err != nil {
		failedPolls.Inc(base.kind)
		klog.Warningf("Poll of %v failed, keeping previous limit: %v", base, err)
	}
	return err
}

// observeWait records the time a caller spent blocked in bins of kind.
func observeWait(ts clock.TimeSource, kind string, start time.Time) {
	waitLatency.Observe(clock.MillisSince(ts, start)/1000, kind)
}
