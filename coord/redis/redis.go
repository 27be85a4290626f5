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

// Package redis provides a coord.Coordinator stored in Redis.
//
// Locks are keys set with SET NX and an expiry, released by a
// compare-and-delete script. Each service type is a hash of instance id to
// data plus a sorted set of instance heartbeats; a background loop refreshes
// the heartbeats of the instances registered through a Coordinator, and
// instances whose heartbeat is older than the instance TTL are pruned by
// scans.
package redis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/util/clock"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Client is the subset of the Redis client API used by Coordinator. It allows
// selecting among different Redis client implementations (e.g. regular
// Redis, Redis Cluster, sharded, etc.)
type Client interface {
	// Required to load and execute scripts
	Eval(script string, keys []string, args ...interface{}) *redis.Cmd
	EvalSha(sha1 string, keys []string, args ...interface{}) *redis.Cmd
	ScriptExists(hashes ...string) *redis.BoolSliceCmd
	ScriptLoad(script string) *redis.StringCmd

	SetNX(key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	HGetAll(key string) *redis.StringStringMapCmd
}

// Options configures a Coordinator. Zero fields take their defaults.
type Options struct {
	// Prefix is prepended to every key.
	Prefix string
	// InstanceTTL is how long an instance survives without a heartbeat.
	InstanceTTL time.Duration
	// LockTTL bounds how long a lock outlives a crashed holder.
	LockTTL time.Duration
	// LockRetry is the pause between attempts to take a busy lock.
	LockRetry time.Duration
	// TimeSource supplies heartbeat timestamps.
	TimeSource clock.TimeSource
}

const (
	defaultPrefix      = "binthrottle"
	defaultInstanceTTL = 30 * time.Second
	defaultLockTTL     = 30 * time.Second
	defaultLockRetry   = 10 * time.Millisecond
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	registerScript = redis.NewScript(`
redis.call("hset", KEYS[1], ARGV[1], "")
redis.call("zadd", KEYS[2], ARGV[2], ARGV[1])
return 1`)

	updateScript = redis.NewScript(`
if not redis.call("zscore", KEYS[2], ARGV[1]) then
	return 0
end
redis.call("hset", KEYS[1], ARGV[1], ARGV[2])
redis.call("zadd", KEYS[2], ARGV[3], ARGV[1])
return 1`)

	touchScript = redis.NewScript(`
if not redis.call("zscore", KEYS[2], ARGV[1]) then
	return 0
end
redis.call("zadd", KEYS[2], ARGV[2], ARGV[1])
return 1`)

	endScript = redis.NewScript(`
local n = redis.call("zrem", KEYS[2], ARGV[1])
redis.call("hdel", KEYS[1], ARGV[1])
return n`)

	pruneScript = redis.NewScript(`
local stale = redis.call("zrangebyscore", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(stale) do
	redis.call("hdel", KEYS[1], id)
	redis.call("zrem", KEYS[2], id)
end
return #stale`)
)

// Coordinator is a coord.Coordinator implemented with Redis.
type Coordinator struct {
	c    Client
	opts Options

	local  coord.LocalLocks
	owned  coord.Owned
	mu     sync.Mutex
	tokens map[string]string // lock name -> token
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Coordinator using client, and starts its heartbeat loop. The
// client is not closed by the Coordinator.
func New(client Client, opts Options) *Coordinator {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.InstanceTTL <= 0 {
		opts.InstanceTTL = defaultInstanceTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = defaultLockRetry
	}
	if opts.TimeSource == nil {
		opts.TimeSource = clock.System
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		c:      client,
		opts:   opts,
		tokens: make(map[string]string),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.heartbeat(ctx)
	return c
}

// serviceKeys returns the data hash and heartbeat set of serviceType. Both
// share a hash tag so scripts touching them work on Redis Cluster.
func (c *Coordinator) serviceKeys(serviceType string) []string {
	return []string{
		fmt.Sprintf("%s:{%s}.data", c.opts.Prefix, serviceType),
		fmt.Sprintf("%s:{%s}.heartbeat", c.opts.Prefix, serviceType),
	}
}

func (c *Coordinator) lockKey(name string) string {
	return fmt.Sprintf("%s:lock:%s", c.opts.Prefix, name)
}

func (c *Coordinator) nowMillis() int64 {
	return clock.NowMillis(c.opts.TimeSource)
}

// EnterWriteLock implements coord.LockManager.
func (c *Coordinator) EnterWriteLock(ctx context.Context, name string) error {
	if err := c.local.Lock(ctx, name); err != nil {
		return err
	}
	token := uuid.NewString()
	client := withClientContext(ctx, c.c)
	for {
		ok, err := client.SetNX(c.lockKey(name), token, c.opts.LockTTL).Result()
		if err == nil && ok {
			break
		}
		if err == nil {
			err = clock.SleepSource(ctx, c.opts.LockRetry, c.opts.TimeSource)
		}
		if err != nil {
			if uerr := c.local.Unlock(name); uerr != nil {
				klog.Errorf("redis: releasing local lock %q: %v", name, uerr)
			}
			return err
		}
	}
	c.mu.Lock()
	c.tokens[name] = token
	c.mu.Unlock()
	return nil
}

// LeaveWriteLock implements coord.LockManager.
func (c *Coordinator) LeaveWriteLock(ctx context.Context, name string) error {
	c.mu.Lock()
	token, ok := c.tokens[name]
	delete(c.tokens, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("redis: lock %q is not held", name)
	}

	n, err := releaseScript.Run(withClientContext(ctx, c.c), []string{c.lockKey(name)}, token).Int64()
	if err == nil && n == 0 {
		klog.Warningf("redis: lock %q expired before it was released", name)
	}
	if uerr := c.local.Unlock(name); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// RegisterService implements coord.ServiceRegistry.
func (c *Coordinator) RegisterService(ctx context.Context, serviceType string) (string, error) {
	id := uuid.NewString()
	if err := registerScript.Run(withClientContext(ctx, c.c), c.serviceKeys(serviceType), id, c.nowMillis()).Err(); err != nil {
		return "", err
	}
	c.owned.Add(id, serviceType)
	return id, nil
}

// UpdateServiceData implements coord.ServiceRegistry.
func (c *Coordinator) UpdateServiceData(ctx context.Context, serviceType, instanceID string, data []byte) error {
	n, err := updateScript.Run(withClientContext(ctx, c.c), c.serviceKeys(serviceType), instanceID, string(data), c.nowMillis()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", serviceType, instanceID, coord.ErrUnknownInstance)
	}
	return nil
}

// ScanServiceData implements coord.ServiceRegistry. Instances whose heartbeat
// has expired are removed first.
func (c *Coordinator) ScanServiceData(ctx context.Context, serviceType string, fn coord.ScanFunc) error {
	client := withClientContext(ctx, c.c)
	keys := c.serviceKeys(serviceType)
	cutoff := c.nowMillis() - c.opts.InstanceTTL.Milliseconds()
	pruned, err := pruneScript.Run(client, keys, cutoff).Int64()
	if err != nil {
		return err
	}
	if pruned > 0 {
		klog.V(1).Infof("redis: pruned %d stale instances of %q", pruned, serviceType)
	}

	all, err := client.HGetAll(keys[0]).Result()
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(id, []byte(all[id])); err != nil {
			return err
		}
	}
	return nil
}

// EndServiceActivity implements coord.ServiceRegistry.
func (c *Coordinator) EndServiceActivity(ctx context.Context, serviceType, instanceID string) error {
	c.owned.Remove(instanceID)
	n, err := endScript.Run(withClientContext(ctx, c.c), c.serviceKeys(serviceType), instanceID).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", serviceType, instanceID, coord.ErrUnknownInstance)
	}
	return nil
}

// Close stops the heartbeat loop and removes the instances registered through
// c.
func (c *Coordinator) Close() error {
	c.cancel()
	<-c.done

	var firstErr error
	for id, serviceType := range c.owned.Drain() {
		if err := endScript.Run(c.c, c.serviceKeys(serviceType), id).Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// heartbeat refreshes the instances owned by c three times per TTL.
func (c *Coordinator) heartbeat(ctx context.Context) {
	defer close(c.done)
	for {
		if err := clock.SleepSource(ctx, c.opts.InstanceTTL/3, c.opts.TimeSource); err != nil {
			return
		}
		client := withClientContext(ctx, c.c)
		now := c.nowMillis()
		for id, serviceType := range c.owned.Snapshot() {
			if err := touchScript.Run(client, c.serviceKeys(serviceType), id, now).Err(); err != nil {
				klog.Warningf("redis: heartbeat of %s/%s: %v", serviceType, id, err)
			}
		}
	}
}

// Because each Redis client type in the Go package has a `WithContext` method
// that returns a concrete type, we can't simply put that method in the Client
// interface. This method performs type assertions to try and call the
// `WithContext` method on the appropriate concrete type.
func withClientContext(ctx context.Context, client Client) Client {
	type withContextable interface {
		WithContext(context.Context) Client
	}

	switch c := client.(type) {
	case *redis.Client:
		return c.WithContext(ctx)
	case *redis.ClusterClient:
		return c.WithContext(ctx)
	case *redis.Ring:
		return c.WithContext(ctx)
	case withContextable:
		return c.WithContext(ctx)
	}
	return client
}
