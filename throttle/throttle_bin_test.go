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
	"math"
	"testing"
	"time"

	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/util/clock"
	"google.golang.org/grpc/codes"
)

func newTestThrottleBin(t *testing.T, c coord.Coordinator, ts clock.TimeSource, msPerByte float64) *throttleBin {
	t.Helper()
	b := registered(t, newThrottleBin(c, testOptions(ts), "type", "group", "bin"))
	b.setMinimumMillisecondsPerByte(msPerByte)
	return b
}

func TestFirstReadUnthrottled(t *testing.T) {
	for _, poll := range []bool{false, true} {
		b := newTestThrottleBin(t, memoryCoordinators(t, 1)[0], clock.NewFake(fakeEpoch), 1000)
		if poll {
			mustPoll(t, b)
		}
		b.beginFetch()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, err := b.beginRead(ctx, 1<<20)
		cancel()
		if !ok || err != nil {
			t.Errorf("polled=%v: first beginRead() = %v, %v, want immediate permission", poll, ok, err)
		}
	}
}

func TestRateEstimate(t *testing.T) {
	ctx := context.Background()
	ts := clock.NewFake(fakeEpoch)
	b := newTestThrottleBin(t, memoryCoordinators(t, 1)[0], ts, 1)
	mustPoll(t, b)
	b.beginFetch()

	if ok, err := b.beginRead(ctx, 100); !ok || err != nil {
		t.Fatalf("beginRead() = %v, %v", ok, err)
	}
	ts.Advance(50 * time.Millisecond)
	b.endRead(100, 100)
	if got, want := b.rateEstimate, 0.5; got != want {
		t.Errorf("rateEstimate = %g, want %g (elapsed ms / bytes)", got, want)
	}

	// 200 bytes at 1ms each must end 200ms into the series; the read itself
	// is expected to take 50ms, and 50ms have passed.
	done := make(chan bool, 1)
	go func() {
		ok, err := b.beginRead(ctx, 100)
		if err != nil {
			t.Errorf("beginRead(): %v", err)
		}
		done <- ok
	}()
	waitForTimers(t, ts, 1)
	ts.Advance(99 * time.Millisecond)
	assertBlocked(t, done, "beginRead()")
	ts.Advance(time.Millisecond)
	if !receive(t, done, "beginRead()") {
		t.Error("beginRead() refused")
	}
	if b.totalBytesRead != 200 {
		t.Errorf("totalBytesRead = %d, want 200", b.totalBytesRead)
	}
}

func TestShortReadCorrectsTotal(t *testing.T) {
	b := newTestThrottleBin(t, memoryCoordinators(t, 1)[0], clock.NewFake(fakeEpoch), 0)
	b.beginFetch()
	if ok, err := b.beginRead(context.Background(), 100); !ok || err != nil {
		t.Fatalf("beginRead() = %v, %v", ok, err)
	}
	b.endRead(100, 0)
	if b.totalBytesRead != 0 || b.rateEstimate != 0 || !b.estimateValid {
		t.Errorf("after empty read: total %d, estimate %g (valid %v), want 0, 0 (valid)", b.totalBytesRead, b.rateEstimate, b.estimateValid)
	}
}

func TestReadersWaitForEstimate(t *testing.T) {
	ctx := context.Background()
	b := newTestThrottleBin(t, memoryCoordinators(t, 1)[0], clock.System, 0)
	mustPoll(t, b)
	b.beginFetch()
	b.beginFetch()

	if ok, err := b.beginRead(ctx, 10); !ok || err != nil {
		t.Fatalf("beginRead() = %v, %v", ok, err)
	}
	done := make(chan bool, 1)
	go func() {
		ok, _ := b.beginRead(ctx, 10)
		done <- ok
	}()
	assertBlocked(t, done, "beginRead() during estimation")
	b.endRead(10, 10)
	if !receive(t, done, "beginRead()") {
		t.Error("beginRead() refused after the estimate")
	}
}

func TestAbortReadHandsOverEstimate(t *testing.T) {
	ctx := context.Background()
	b := newTestThrottleBin(t, memoryCoordinators(t, 1)[0], clock.System, 0)
	b.beginFetch()
	if ok, err := b.beginRead(ctx, 10); !ok || err != nil {
		t.Fatalf("beginRead() = %v, %v", ok, err)
	}
	done := make(chan bool, 1)
	go func() {
		ok, _ := b.beginRead(ctx, 10)
		done <- ok
	}()
	assertBlocked(t, done, "beginRead() during estimation")
	b.abortRead()
	if !receive(t, done, "beginRead()") {
		t.Fatal("beginRead() refused")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.estimateInProgress || b.estimateValid {
		t.Errorf("estimateInProgress = %v, estimateValid = %v, want the waiting read to take over the estimate", b.estimateInProgress, b.estimateValid)
	}
}

func TestSeries(t *testing.T) {
	ctx := context.Background()
	b := newTestThrottleBin(t, memoryCoordinators(t, 1)[0], clock.NewFake(fakeEpoch), 0)
	b.beginFetch()
	b.beginFetch()
	if ok, err := b.beginRead(ctx, 10); !ok || err != nil {
		t.Fatalf("beginRead() = %v, %v", ok, err)
	}
	b.endRead(10, 10)

	if over, err := b.endFetch(); over || err != nil {
		t.Errorf("endFetch() = %v, %v, want series still running", over, err)
	}
	if over, err := b.endFetch(); !over || err != nil {
		t.Errorf("endFetch() = %v, %v, want series over", over, err)
	}
	_, err := b.endFetch()
	wantCode(t, "endFetch()", err, codes.FailedPrecondition)
	wantCode(t, "abortFetch()", b.abortFetch(), codes.FailedPrecondition)

	b.beginFetch()
	if b.estimateValid || b.totalBytesRead != 0 {
		t.Errorf("new series kept estimate (valid %v) and %d bytes", b.estimateValid, b.totalBytesRead)
	}
}

func TestThrottleShutDown(t *testing.T) {
	ctx := context.Background()
	b := newTestThrottleBin(t, memoryCoordinators(t, 1)[0], clock.System, 0)
	b.beginFetch()
	b.beginRead(ctx, 1)
	done := make(chan bool, 1)
	go func() {
		ok, _ := b.beginRead(ctx, 1)
		done <- ok
	}()
	assertBlocked(t, done, "beginRead()")
	if err := b.shutDown(ctx); err != nil {
		t.Fatalf("shutDown(): %v", err)
	}
	if receive(t, done, "beginRead()") {
		t.Error("beginRead() = true after shutdown")
	}
}

func TestThrottlePollApportions(t *testing.T) {
	cs := memoryCoordinators(t, 3)
	a := newTestThrottleBin(t, cs[0], clock.System, 0.5)
	b := newTestThrottleBin(t, cs[1], clock.System, 0.5)
	mustPoll(t, a)
	mustPoll(t, b)
	for _, bin := range []*throttleBin{a, b} {
		if bin.localMinimum != 1 {
			t.Errorf("localMinimum = %g, want the byte rate halved between two processes", bin.localMinimum)
		}
	}

	// A process joining once the rate is taken gets nothing until the others
	// give some back.
	c := newTestThrottleBin(t, cs[2], clock.System, 0.5)
	mustPoll(t, c)
	if c.localMinimum != unsetMsPerByte {
		t.Errorf("localMinimum = %g, want unset while the rate is taken", c.localMinimum)
	}
	mustPoll(t, a)
	if math.Abs(a.localMinimum-1.5) > 1e-9 {
		t.Errorf("localMinimum = %g, want a third of the rate", a.localMinimum)
	}
}
