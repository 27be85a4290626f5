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


// Package postgresql provides a coord.Coordinator stored in PostgreSQL. Locks
// are session advisory locks held on a pool connection acquired for the
// duration of the lock; instances are rows of the servicedata table
// refreshed by a heartbeat.
package postgresql

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/util/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/klog/v2"
)

const (
	createServiceDataSQL = `CREATE TABLE IF NOT EXISTS servicedata(
	service_type TEXT NOT NULL,
	instance_id  TEXT NOT NULL,
	data         BYTEA NOT NULL,
	heartbeat    BIGINT NOT NULL,
	PRIMARY KEY(service_type, instance_id)
)`
	insertServiceSQL = "INSERT INTO servicedata(service_type, instance_id, data, heartbeat) VALUES($1, $2, '', $3)"
	updateServiceSQL = "UPDATE servicedata SET data = $1, heartbeat = $2 WHERE service_type = $3 AND instance_id = $4"
	touchServiceSQL  = "UPDATE servicedata SET heartbeat = $1 WHERE service_type = $2 AND instance_id = $3"
	pruneServiceSQL  = "DELETE FROM servicedata WHERE service_type = $1 AND heartbeat < $2"
	selectServiceSQL = "SELECT instance_id, data FROM servicedata WHERE service_type = $1 ORDER BY instance_id"
	deleteServiceSQL = "DELETE FROM servicedata WHERE service_type = $1 AND instance_id = $2"
	lockSQL          = "SELECT pg_advisory_lock(hashtextextended($1, 0))"
	unlockSQL        = "SELECT pg_advisory_unlock(hashtextextended($1, 0))"
	defaultTTL       = 30 * time.Second
)

// Coordinator is a coord.Coordinator implemented with PostgreSQL.
type Coordinator struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	ts   clock.TimeSource

	owned coord.Owned
	mu    sync.Mutex
	conns map[string]*pgxpool.Conn // lock name -> connection holding it

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the servicedata table if needed and returns a Coordinator
// using pool. Instances without a heartbeat for ttl are pruned (defaults to
// 30s if not positive). The pool is not closed by the Coordinator.
func New(ctx context.Context, pool *pgxpool.Pool, ttl time.Duration, ts clock.TimeSource) (*Coordinator, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ts == nil {
		ts = clock.System
	}
	if _, err := pool.Exec(ctx, createServiceDataSQL); err != nil {
		return nil, fmt.Errorf("creating servicedata table: %w", err)
	}
	hctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		pool:   pool,
		ttl:    ttl,
		ts:     ts,
		conns:  make(map[string]*pgxpool.Conn),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.heartbeat(hctx)
	return c, nil
}

// EnterWriteLock implements coord.LockManager.
func (c *Coordinator) EnterWriteLock(ctx context.Context, name string) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, lockSQL, name); err != nil {
		// The lock may have been granted just before the cancellation; only
		// ending the session is sure to drop it.
		if cerr := conn.Hijack().Close(context.Background()); cerr != nil {
			klog.Warningf("postgresql: closing connection after failed lock: %v", cerr)
		}
		return err
	}
	c.mu.Lock()
	c.conns[name] = conn
	c.mu.Unlock()
	return nil
}

// LeaveWriteLock implements coord.LockManager.
func (c *Coordinator) LeaveWriteLock(ctx context.Context, name string) error {
	c.mu.Lock()
	conn, ok := c.conns[name]
	delete(c.conns, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("postgresql: lock %q is not held", name)
	}
	defer conn.Release()

	var released bool
	if err := conn.QueryRow(ctx, unlockSQL, name).Scan(&released); err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("postgresql: lock %q was not held by its connection", name)
	}
	return nil
}

func (c *Coordinator) nowMillis() int64 {
	return clock.NowMillis(c.ts)
}

// RegisterService implements coord.ServiceRegistry.
func (c *Coordinator) RegisterService(ctx context.Context, serviceType string) (string, error) {
	id := uuid.NewString()
	if _, err := c.pool.Exec(ctx, insertServiceSQL, serviceType, id, c.nowMillis()); err != nil {
		return "", err
	}
	c.owned.Add(id, serviceType)
	return id, nil
}

// UpdateServiceData implements coord.ServiceRegistry.
func (c *Coordinator) UpdateServiceData(ctx context.Context, serviceType, instanceID string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	tag, err := c.pool.Exec(ctx, updateServiceSQL, data, c.nowMillis(), serviceType, instanceID)
	return checkFound(tag, err, serviceType, instanceID)
}

// ScanServiceData implements coord.ServiceRegistry. Instances whose heartbeat
// has expired are deleted first.
func (c *Coordinator) ScanServiceData(ctx context.Context, serviceType string, fn coord.ScanFunc) error {
	cutoff := c.nowMillis() - c.ttl.Milliseconds()
	tag, err := c.pool.Exec(ctx, pruneServiceSQL, serviceType, cutoff)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		klog.V(1).Infof("postgresql: pruned %d stale instances of %q", n, serviceType)
	}

	rows, err := c.pool.Query(ctx, selectServiceSQL, serviceType)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return err
		}
		if err := fn(id, data); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EndServiceActivity implements coord.ServiceRegistry.
func (c *Coordinator) EndServiceActivity(ctx context.Context, serviceType, instanceID string) error {
	c.owned.Remove(instanceID)
	tag, err := c.pool.Exec(ctx, deleteServiceSQL, serviceType, instanceID)
	return checkFound(tag, err, serviceType, instanceID)
}

// Close stops the heartbeat, deletes the instances registered through c and
// releases any lock still held.
func (c *Coordinator) Close() error {
	c.cancel()
	<-c.done

	ctx := context.Background()
	var firstErr error
	for id, serviceType := range c.owned.Drain() {
		if _, err := c.pool.Exec(ctx, deleteServiceSQL, serviceType, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*pgxpool.Conn)
	c.mu.Unlock()
	for name, conn := range conns {
		klog.Warningf("postgresql: lock %q still held at Close", name)
		if err := conn.Hijack().Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Coordinator) heartbeat(ctx context.Context) {
	defer close(c.done)
	for {
		if err := clock.SleepSource(ctx, c.ttl/3, c.ts); err != nil {
			return
		}
		now := c.nowMillis()
		for id, serviceType := range c.owned.Snapshot() {
			if _, err := c.pool.Exec(ctx, touchServiceSQL, now, serviceType, id); err != nil {
				klog.Warningf("postgresql: heartbeat of %s/%s: %v", serviceType, id, err)
			}
		}
	}
}

func checkFound(tag pgconn.CommandTag, err error, serviceType, instanceID string) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", serviceType, instanceID, coord.ErrUnknownInstance)
	}
	return nil
}
