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
	"sync"
	"time"

	"github.com/google/binthrottle/util/clock"
)

// monitor is a mutex with a broadcast condition whose waits end early when a
// context is done or a timeout elapses.
type monitor struct {
	mu         sync.Mutex
	ch         chan struct{}
	timeSource clock.TimeSource
}

func (m *monitor) init(ts clock.TimeSource) {
	m.ch = make(chan struct{})
	m.timeSource = ts
}

// broadcast wakes every waiter. m.mu must be held.
func (m *monitor) broadcast() {
	close(m.ch)
	m.ch = make(chan struct{})
}

// wait releases m.mu until a broadcast, ctx is done, or d elapses (no limit if
// d is negative), and reacquires it. Only a done ctx yields an error. m.mu
// must be held.
func (m *monitor) wait(ctx context.Context, d time.Duration) error {
	ch := m.ch
	var expired <-chan time.Time
	if d >= 0 {
		t := m.timeSource.NewTimer(d)
		defer t.Stop()
		expired = t.Chan()
	}

	m.mu.Unlock()
	defer m.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-expired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
