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
	"testing"
	"time"

	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/coord/memory"
	"github.com/google/binthrottle/util/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var fakeEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testSpec struct {
	conns     int
	fetchMs   int64
	msPerByte float64
}

func (s testSpec) MaxOpenConnections(string) int             { return s.conns }
func (s testSpec) MinimumMillisecondsPerFetch(string) int64  { return s.fetchMs }
func (s testSpec) MinimumMillisecondsPerByte(string) float64 { return s.msPerByte }

func testOptions(ts clock.TimeSource) Options {
	return Options{TimeSource: ts}.withDefaults()
}

// memoryCoordinators returns n Coordinators sharing one in-memory backend,
// each standing in for a separate process.
func memoryCoordinators(t *testing.T, n int) []coord.Coordinator {
	t.Helper()
	s := memory.NewStore()
	cs := make([]coord.Coordinator, n)
	for i := range cs {
		c := memory.NewCoordinator(s)
		t.Cleanup(func() { c.Close() })
		cs[i] = c
	}
	return cs
}

func registered[B bin](t *testing.T, b B) B {
	t.Helper()
	if err := b.base().register(context.Background()); err != nil {
		t.Fatalf("register(): %v", err)
	}
	return b
}

func mustPoll(t *testing.T, b bin) {
	t.Helper()
	if err := b.poll(context.Background()); err != nil {
		t.Fatalf("poll(%v): %v", b.base(), err)
	}
}

func wantCode(t *testing.T, what string, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("%s: got error %v (code %v), want code %v", what, err, got, want)
	}
}

// waitForTimers blocks until ts has at least n pending timers, meaning the
// goroutines under test have started waiting.
func waitForTimers(t *testing.T, ts *clock.FakeTimeSource, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for ts.PendingTimers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending timers", n)
		}
		time.Sleep(time.Millisecond)
	}
}

// assertBlocked fails the test if ch delivers within a short grace period.
func assertBlocked[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("%s returned %v, want it to block", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not return", what)
	}
	panic("unreachable")
}
