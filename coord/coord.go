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

// Package coord defines the coordination backend shared by all processes
// taking part in throttling: a named, cross-process write lock and a service
// registry in which every participant publishes a small per-instance record.
//
// Implementations live in sub-packages (memory, etcd, redis, mysql,
// postgresql) and register themselves as providers, so binaries can select
// one by name.
package coord

import (
	"context"
	"errors"
)

// ErrUnknownInstance is returned by ServiceRegistry implementations when an
// operation names an instance that is not (or no longer) registered.
var ErrUnknownInstance = errors.New("coord: unknown service instance")

// LockManager provides named write locks that exclude holders across every
// process sharing the backend. Locks are not reentrant.
type LockManager interface {
	// EnterWriteLock blocks until the named lock is held by the caller, or
	// ctx is done.
	EnterWriteLock(ctx context.Context, name string) error
	// LeaveWriteLock releases a lock obtained with EnterWriteLock.
	LeaveWriteLock(ctx context.Context, name string) error
}

// ScanFunc receives one registered instance and its last published data.
// Returning an error stops the scan and makes ScanServiceData fail with it.
type ScanFunc func(instanceID string, data []byte) error

// ServiceRegistry tracks anonymous instances of named service types, each
// carrying an opaque blob of state.
type ServiceRegistry interface {
	// RegisterService creates a new instance of serviceType and returns its
	// unique id. The instance starts with empty data.
	RegisterService(ctx context.Context, serviceType string) (string, error)
	// UpdateServiceData replaces the data published by an instance.
	UpdateServiceData(ctx context.Context, serviceType, instanceID string, data []byte) error
	// ScanServiceData calls fn for every live instance of serviceType,
	// including the caller's own instances.
	ScanServiceData(ctx context.Context, serviceType string, fn ScanFunc) error
	// EndServiceActivity removes an instance.
	EndServiceActivity(ctx context.Context, serviceType, instanceID string) error
}

// Coordinator is a complete coordination backend.
type Coordinator interface {
	LockManager
	ServiceRegistry
	// Close releases the resources held by the backend. Instances
	// registered through it are eventually dropped by the backend.
	Close() error
}
