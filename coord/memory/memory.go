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

// Package memory provides a coord.Coordinator that keeps all state inside the
// current process. Several Coordinators can share one Store, which makes it
// useful for tests and for single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/binthrottle/coord"
)

// Store is the state shared by every Coordinator created from it.
type Store struct {
	locks coord.LocalLocks

	mu       sync.RWMutex
	nextID   int64
	services map[string]map[string][]byte
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{services: make(map[string]map[string][]byte)}
}

// Coordinator is a coord.Coordinator backed by a Store.
type Coordinator struct {
	store *Store
	owned coord.Owned
}

// NewCoordinator returns a Coordinator attached to s.
func NewCoordinator(s *Store) *Coordinator {
	return &Coordinator{store: s}
}

// EnterWriteLock implements coord.LockManager.
func (c *Coordinator) EnterWriteLock(ctx context.Context, name string) error {
	return c.store.locks.Lock(ctx, name)
}

// LeaveWriteLock implements coord.LockManager.
func (c *Coordinator) LeaveWriteLock(_ context.Context, name string) error {
	return c.store.locks.Unlock(name)
}

// RegisterService implements coord.ServiceRegistry.
func (c *Coordinator) RegisterService(_ context.Context, serviceType string) (string, error) {
	s := c.store
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("%d", s.nextID)
	instances := s.services[serviceType]
	if instances == nil {
		instances = make(map[string][]byte)
		s.services[serviceType] = instances
	}
	instances[id] = nil
	s.mu.Unlock()

	c.owned.Add(id, serviceType)
	return id, nil
}

// UpdateServiceData implements coord.ServiceRegistry.
func (c *Coordinator) UpdateServiceData(_ context.Context, serviceType, instanceID string, data []byte) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := s.services[serviceType]
	if _, ok := instances[instanceID]; !ok {
		return fmt.Errorf("%s/%s: %w", serviceType, instanceID, coord.ErrUnknownInstance)
	}
	instances[instanceID] = append([]byte(nil), data...)
	return nil
}

// ScanServiceData implements coord.ServiceRegistry. Instances are visited in
// id order.
func (c *Coordinator) ScanServiceData(_ context.Context, serviceType string, fn coord.ScanFunc) error {
	type entry struct {
		id   string
		data []byte
	}
	s := c.store
	s.mu.RLock()
	entries := make([]entry, 0, len(s.services[serviceType]))
	for id, data := range s.services[serviceType] {
		entries = append(entries, entry{id: id, data: data})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	for _, e := range entries {
		if err := fn(e.id, e.data); err != nil {
			return err
		}
	}
	return nil
}

// EndServiceActivity implements coord.ServiceRegistry.
func (c *Coordinator) EndServiceActivity(_ context.Context, serviceType, instanceID string) error {
	c.owned.Remove(instanceID)
	return c.store.remove(serviceType, instanceID)
}

// Close drops every instance registered through c.
func (c *Coordinator) Close() error {
	for id, serviceType := range c.owned.Drain() {
		// Ignore instances already removed through another Coordinator.
		_ = c.store.remove(serviceType, id)
	}
	return nil
}

func (s *Store) remove(serviceType, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := s.services[serviceType]
	if _, ok := instances[instanceID]; !ok {
		return fmt.Errorf("%s/%s: %w", serviceType, instanceID, coord.ErrUnknownInstance)
	}
	delete(instances, instanceID)
	if len(instances) == 0 {
		delete(s.services, serviceType)
	}
	return nil
}
