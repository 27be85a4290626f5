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

package coord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// LocalLocks is a table of named in-process locks whose acquisition can be
// abandoned through a context. Distributed LockManagers use it to serialize
// holders inside one process before contending with other processes, since
// most backends cannot tell two goroutines sharing a session apart.
//
// The zero value is ready to use.
type LocalLocks struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	sem  *semaphore.Weighted
	held atomic.Bool
}

func (l *LocalLocks) get(name string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*localLock)
	}
	ll, ok := l.locks[name]
	if !ok {
		ll = &localLock{sem: semaphore.NewWeighted(1)}
		l.locks[name] = ll
	}
	return ll
}

// Lock blocks until name is held, or ctx is done.
func (l *LocalLocks) Lock(ctx context.Context, name string) error {
	ll := l.get(name)
	if err := ll.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	ll.held.Store(true)
	return nil
}

// Unlock releases name, letting the next goroutine blocked in Lock take it.
func (l *LocalLocks) Unlock(name string) error {
	ll := l.get(name)
	if !ll.held.CompareAndSwap(true, false) {
		return fmt.Errorf("coord: lock %q is not held", name)
	}
	ll.sem.Release(1)
	return nil
}
