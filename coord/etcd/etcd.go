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

// Package etcd provides a coord.Coordinator on top of etcd. Locks are
// concurrency.Mutexes and registered instances are keys bound to the lease of
// the Coordinator's session, so the instances of a process that dies vanish
// once its lease expires.
package etcd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/binthrottle/coord"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"k8s.io/klog/v2"
)

// DefaultSessionTTL is the lease TTL, in seconds, used when none is given.
const DefaultSessionTTL = 30

// Coordinator is a coord.Coordinator implemented with etcd.
type Coordinator struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string

	// Mutexes on one session share a key, so holders inside this process
	// are serialized locally first.
	local   coord.LocalLocks
	mu      sync.Mutex
	mutexes map[string]*concurrency.Mutex
}

// New creates a Coordinator storing its keys under prefix. A new session is
// created on client, with a lease of ttl seconds (DefaultSessionTTL if ttl is
// not positive). The client must remain valid for the lifetime of the
// Coordinator and is not closed by it.
func New(ctx context.Context, client *clientv3.Client, prefix string, ttl int) (*Coordinator, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	session, err := concurrency.NewSession(client, concurrency.WithContext(ctx), concurrency.WithTTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	return &Coordinator{
		client:  client,
		session: session,
		prefix:  strings.TrimRight(prefix, "/"),
		mutexes: make(map[string]*concurrency.Mutex),
	}, nil
}

func (c *Coordinator) lockKey(name string) string {
	return fmt.Sprintf("%s/locks/%s", c.prefix, url.PathEscape(name))
}

// serviceDir returns the key prefix of every instance of serviceType,
// including the trailing separator.
func (c *Coordinator) serviceDir(serviceType string) string {
	return fmt.Sprintf("%s/services/%s/", c.prefix, url.PathEscape(serviceType))
}

// EnterWriteLock implements coord.LockManager.
func (c *Coordinator) EnterWriteLock(ctx context.Context, name string) error {
	if err := c.local.Lock(ctx, name); err != nil {
		return err
	}
	m := concurrency.NewMutex(c.session, c.lockKey(name))
	if err := m.Lock(ctx); err != nil {
		if uerr := c.local.Unlock(name); uerr != nil {
			klog.Errorf("etcd: releasing local lock %q: %v", name, uerr)
		}
		return err
	}
	c.mu.Lock()
	c.mutexes[name] = m
	c.mu.Unlock()
	return nil
}

// LeaveWriteLock implements coord.LockManager.
func (c *Coordinator) LeaveWriteLock(ctx context.Context, name string) error {
	c.mu.Lock()
	m, ok := c.mutexes[name]
	delete(c.mutexes, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("etcd: lock %q is not held", name)
	}

	err := m.Unlock(ctx)
	if uerr := c.local.Unlock(name); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// RegisterService implements coord.ServiceRegistry.
func (c *Coordinator) RegisterService(ctx context.Context, serviceType string) (string, error) {
	id := uuid.NewString()
	if _, err := c.client.Put(ctx, c.serviceDir(serviceType)+id, "", clientv3.WithLease(c.session.Lease())); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateServiceData implements coord.ServiceRegistry.
func (c *Coordinator) UpdateServiceData(ctx context.Context, serviceType, instanceID string, data []byte) error {
	key := c.serviceDir(serviceType) + instanceID
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithLease(c.session.Lease()))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("%s/%s: %w", serviceType, instanceID, coord.ErrUnknownInstance)
	}
	return nil
}

// ScanServiceData implements coord.ServiceRegistry.
func (c *Coordinator) ScanServiceData(ctx context.Context, serviceType string, fn coord.ScanFunc) error {
	dir := c.serviceDir(serviceType)
	resp, err := c.client.Get(ctx, dir, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		if err := fn(strings.TrimPrefix(string(kv.Key), dir), kv.Value); err != nil {
			return err
		}
	}
	return nil
}

// EndServiceActivity implements coord.ServiceRegistry.
func (c *Coordinator) EndServiceActivity(ctx context.Context, serviceType, instanceID string) error {
	resp, err := c.client.Delete(ctx, c.serviceDir(serviceType)+instanceID)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%s/%s: %w", serviceType, instanceID, coord.ErrUnknownInstance)
	}
	return nil
}

// Close revokes the session lease, which removes every instance registered
// through c and releases any lock still held.
func (c *Coordinator) Close() error {
	return c.session.Close()
}
