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


// Package mysql provides a coord.Coordinator stored in MySQL. Locks are
// GET_LOCK user locks held on a connection pinned for the duration of the
// lock; instances are rows of the ServiceData table refreshed by a heartbeat.
package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/util/clock"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

const (
	createServiceDataSQL = `CREATE TABLE IF NOT EXISTS ServiceData(
	ServiceType VARBINARY(700) NOT NULL,
	InstanceId  VARCHAR(64) NOT NULL,
	Data        VARBINARY(255) NOT NULL,
	Heartbeat   BIGINT NOT NULL,
	PRIMARY KEY(ServiceType, InstanceId)
)`
	insertServiceSQL  = "INSERT INTO ServiceData(ServiceType, InstanceId, Data, Heartbeat) VALUES(?, ?, '', ?)"
	updateServiceSQL  = "UPDATE ServiceData SET Data = ?, Heartbeat = ? WHERE ServiceType = ? AND InstanceId = ?"
	touchServiceSQL   = "UPDATE ServiceData SET Heartbeat = ? WHERE ServiceType = ? AND InstanceId = ?"
	pruneServiceSQL   = "DELETE FROM ServiceData WHERE ServiceType = ? AND Heartbeat < ?"
	selectServiceSQL  = "SELECT InstanceId, Data FROM ServiceData WHERE ServiceType = ? ORDER BY InstanceId"
	deleteServiceSQL  = "DELETE FROM ServiceData WHERE ServiceType = ? AND InstanceId = ?"
	getLockSQL        = "SELECT GET_LOCK(?, ?)"
	releaseLockSQL    = "SELECT RELEASE_LOCK(?)"
	lockWaitSeconds   = 1
	defaultTTL        = 30 * time.Second
	maxLockNameLength = 64
)

// Coordinator is a coord.Coordinator implemented with MySQL.
type Coordinator struct {
	db  *sql.DB
	ttl time.Duration
	ts  clock.TimeSource

	owned coord.Owned
	mu    sync.Mutex
	conns map[string]*sql.Conn // lock name -> connection holding it

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the ServiceData table if needed and returns a Coordinator
// using db. Instances without a heartbeat for ttl are pruned (defaults to 30s
// if not positive). The db is not closed by the Coordinator.
//
// UpdateServiceData relies on affected-row counts reporting matched rows, so
// db should be opened with a DSN produced by FoundRowsDSN.
func New(ctx context.Context, db *sql.DB, ttl time.Duration, ts clock.TimeSource) (*Coordinator, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ts == nil {
		ts = clock.System
	}
	if _, err := db.ExecContext(ctx, createServiceDataSQL); err != nil {
		return nil, fmt.Errorf("creating ServiceData table: %w", err)
	}
	hctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		db:     db,
		ttl:    ttl,
		ts:     ts,
		conns:  make(map[string]*sql.Conn),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.heartbeat(hctx)
	return c, nil
}

// FoundRowsDSN returns dsn with the clientFoundRows option set.
func FoundRowsDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// lockName maps name onto the 64 characters MySQL allows for user locks.
func lockName(name string) string {
	if len(name) <= maxLockNameLength {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// EnterWriteLock implements coord.LockManager.
func (c *Coordinator) EnterWriteLock(ctx context.Context, name string) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return err
	}
	for {
		var got sql.NullInt64
		if err := conn.QueryRowContext(ctx, getLockSQL, lockName(name), lockWaitSeconds).Scan(&got); err != nil {
			conn.Close()
			return err
		}
		if got.Valid && got.Int64 == 1 {
			break
		}
		if err := ctx.Err(); err != nil {
			conn.Close()
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, busy := c.conns[name]; busy {
		// GET_LOCK cannot succeed on two live sessions, so the old one
		// died holding the lock.
		klog.Warningf("mysql: lock %q re-acquired while recorded as held", name)
		old.Close()
	}
	c.conns[name] = conn
	return nil
}

// LeaveWriteLock implements coord.LockManager.
func (c *Coordinator) LeaveWriteLock(ctx context.Context, name string) error {
	c.mu.Lock()
	conn, ok := c.conns[name]
	delete(c.conns, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("mysql: lock %q is not held", name)
	}
	defer conn.Close()

	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, releaseLockSQL, lockName(name)).Scan(&released); err != nil {
		return err
	}
	if !released.Valid || released.Int64 != 1 {
		return fmt.Errorf("mysql: lock %q was not held by its connection", name)
	}
	return nil
}

func (c *Coordinator) nowMillis() int64 {
	return clock.NowMillis(c.ts)
}

// RegisterService implements coord.ServiceRegistry.
func (c *Coordinator) RegisterService(ctx context.Context, serviceType string) (string, error) {
	id := uuid.NewString()
	if _, err := c.db.ExecContext(ctx, insertServiceSQL, serviceType, id, c.nowMillis()); err != nil {
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
	res, err := c.db.ExecContext(ctx, updateServiceSQL, data, c.nowMillis(), serviceType, instanceID)
	if err != nil {
		return err
	}
	return checkFound(res, serviceType, instanceID)
}

// ScanServiceData implements coord.ServiceRegistry. Instances whose heartbeat
// has expired are deleted first.
func (c *Coordinator) ScanServiceData(ctx context.Context, serviceType string, fn coord.ScanFunc) error {
	cutoff := c.nowMillis() - c.ttl.Milliseconds()
	res, err := c.db.ExecContext(ctx, pruneServiceSQL, serviceType, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		klog.V(1).Infof("mysql: pruned %d stale instances of %q", n, serviceType)
	}

	rows, err := c.db.QueryContext(ctx, selectServiceSQL, serviceType)
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
	res, err := c.db.ExecContext(ctx, deleteServiceSQL, serviceType, instanceID)
	if err != nil {
		return err
	}
	return checkFound(res, serviceType, instanceID)
}

// Close stops the heartbeat, deletes the instances registered through c and
// releases any lock still held.
func (c *Coordinator) Close() error {
	c.cancel()
	<-c.done

	var firstErr error
	for id, serviceType := range c.owned.Drain() {
		if _, err := c.db.Exec(deleteServiceSQL, serviceType, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*sql.Conn)
	c.mu.Unlock()
	for name, conn := range conns {
		klog.Warningf("mysql: lock %q still held at Close", name)
		// Ending the session releases its user locks.
		if err := conn.Close(); err != nil && firstErr == nil {
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
			if _, err := c.db.ExecContext(ctx, touchServiceSQL, now, serviceType, id); err != nil {
				klog.Warningf("mysql: heartbeat of %s/%s: %v", serviceType, id, err)
			}
		}
	}
}

func checkFound(res sql.Result, serviceType, instanceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", serviceType, instanceID, coord.ErrUnknownInstance)
	}
	return nil
}
