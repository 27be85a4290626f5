// Copyright 2016 Google LLC. All Rights Reserved.
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

// Package clock contains time utilities, and types that allow mocking system
// time in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// System is a default TimeSource that provides system time.
var System TimeSource = systemTimeSource{}

// TimeSource can provide the current time, or be replaced by a mock in tests
// to return specific values.
type TimeSource interface {
	// Now returns the current time as seen by this TimeSource.
	Now() time.Time
	// NewTimer creates a timer that fires after the specified duration.
	NewTimer(d time.Duration) Timer
}

// NowMillis returns the current time of ts in milliseconds since the Unix
// epoch, the unit published to the coordination registry.
func NowMillis(ts TimeSource) int64 {
	return ts.Now().UnixMilli()
}

// MillisSince returns the fractional number of milliseconds elapsed since t,
// as seen by ts.
func MillisSince(ts TimeSource, t time.Time) float64 {
	return float64(ts.Now().Sub(t)) / float64(time.Millisecond)
}

type systemTimeSource struct{}

func (s systemTimeSource) Now() time.Time {
	return time.Now()
}

func (s systemTimeSource) NewTimer(d time.Duration) Timer {
	return systemTimer{time.NewTimer(d)}
}

// FakeTimeSource provides time that can be arbitrarily set. For tests only.
// Timers created from it fire when the fake time is moved to or past their
// deadline.
type FakeTimeSource struct {
	mu     sync.Mutex
	now    time.Time
	timers map[int]*fakeTimer
	nextID int
}

// NewFake creates a FakeTimeSource instance.
func NewFake(t time.Time) *FakeTimeSource {
	return &FakeTimeSource{now: t, timers: make(map[int]*fakeTimer)}
}

// Now returns the time value this instance contains.
func (f *FakeTimeSource) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTimer creates a timer that fires once the fake time reaches now+d.
func (f *FakeTimeSource) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	timer := newFakeTimer(f, id, f.now.Add(d))
	if !timer.tryFire(f.now) {
		f.timers[id] = timer
	}
	return timer
}

// PendingTimers returns the number of timers that have not fired yet. Tests
// use it to find out when a goroutine has started waiting.
func (f *FakeTimeSource) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Set updates the time this instance contains and fires the timers whose
// deadline has been reached, in deadline order.
func (f *FakeTimeSource) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	due := make([]int, 0, len(f.timers))
	for id, timer := range f.timers {
		if !timer.when.After(t) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return f.timers[due[i]].when.Before(f.timers[due[j]].when) })
	for _, id := range due {
		if f.timers[id].tryFire(t) {
			delete(f.timers, id)
		}
	}
}

// Advance moves the time this instance contains forward by d.
func (f *FakeTimeSource) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

func (f *FakeTimeSource) unsubscribe(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[id]
	if ok {
		delete(f.timers, id)
	}
	return ok
}
