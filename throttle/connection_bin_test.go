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
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/util/clock"
	"google.golang.org/grpc/codes"
)

func TestComputeTarget(t *testing.T) {
	roundUp := func(int) int { return 0 }
	roundDown := func(n int) int { return n - 1 }
	for _, test := range []struct {
		desc                     string
		limit                    int
		globalTarget, globalUsed int64
		n                        int
		localMax, inUse          int
		intn                     func(int) int
		want                     int
	}{
		{desc: "first poll ramps up", limit: 10, n: 1, intn: roundUp, want: 2},
		{desc: "saturated grows to fair share", limit: 10, globalTarget: 5, globalUsed: 5, n: 2, localMax: 4, inUse: 4, intn: roundUp, want: 5},
		{desc: "idle shrinks", limit: 10, n: 1, localMax: 5, inUse: 2, intn: roundUp, want: 4},
		{desc: "others over limit", limit: 10, globalTarget: 12, globalUsed: 3, n: 2, localMax: 3, inUse: 3, intn: roundUp, want: 0},
		{desc: "others using more than their target", limit: 10, globalTarget: 2, globalUsed: 7, n: 2, localMax: 3, inUse: 3, intn: roundUp, want: 3},
		{desc: "remainder rounded up", limit: 11, n: 2, localMax: 6, inUse: 6, intn: roundUp, want: 6},
		{desc: "remainder rounded down", limit: 11, n: 2, localMax: 6, inUse: 6, intn: roundDown, want: 5},
		{desc: "ramp step at least one", limit: 3, n: 1, intn: roundUp, want: 1},
		{desc: "zero limit", limit: 0, n: 3, localMax: 1, inUse: 1, intn: roundUp, want: 0},
	} {
		t.Run(test.desc, func(t *testing.T) {
			b := &connectionBin{rampUpShift: DefaultRampUpShift, intn: test.intn, localMax: test.localMax, inUse: test.inUse}
			if got := b.computeTarget(test.limit, test.globalTarget, test.globalUsed, test.n); got != test.want {
				t.Errorf("computeTarget() = %d, want %d", got, test.want)
			}
		})
	}
}

func newTestConnectionBin(t *testing.T, c coord.Coordinator, maxActive int) *connectionBin {
	t.Helper()
	b := registered(t, newConnectionBin(c, testOptions(clock.System), "type", "group", "bin"))
	b.setMaxActive(maxActive)
	return b
}

func TestSingleSlotRace(t *testing.T) {
	ctx := context.Background()
	b := newTestConnectionBin(t, memoryCoordinators(t, 1)[0], 1)
	mustPoll(t, b)
	if b.localMax != 1 {
		t.Fatalf("localMax = %d after first poll, want 1", b.localMax)
	}

	results := make(chan Recommendation, 2)
	for range 2 {
		go func() {
			rec, err := b.waitConnectionAvailable(ctx, &PoolCount{})
			if err != nil {
				t.Errorf("waitConnectionAvailable(): %v", err)
			}
			results <- rec
		}()
	}
	if got := receive(t, results, "first waitConnectionAvailable()"); got != FromCreation {
		t.Fatalf("first waitConnectionAvailable() = %v, want %v", got, FromCreation)
	}
	assertBlocked(t, results, "second waitConnectionAvailable()")

	if err := b.noteConnectionCreation(); err != nil {
		t.Fatalf("noteConnectionCreation(): %v", err)
	}
	assertBlocked(t, results, "second waitConnectionAvailable()")
	if err := b.noteConnectionDestroyed(); err != nil {
		t.Fatalf("noteConnectionDestroyed(): %v", err)
	}
	if got := receive(t, results, "second waitConnectionAvailable()"); got != FromCreation {
		t.Errorf("second waitConnectionAvailable() = %v, want %v", got, FromCreation)
	}
}

func TestUndoReservationReobtains(t *testing.T) {
	ctx := context.Background()
	b := newTestConnectionBin(t, memoryCoordinators(t, 1)[0], 1)
	mustPoll(t, b)
	pc := &PoolCount{}

	rec, err := b.waitConnectionAvailable(ctx, pc)
	if err != nil || rec != FromCreation {
		t.Fatalf("waitConnectionAvailable() = %v, %v, want %v", rec, err, FromCreation)
	}
	if err := b.undoReservation(rec, pc); err != nil {
		t.Fatalf("undoReservation(): %v", err)
	}
	rec, err = b.waitConnectionAvailable(ctx, pc)
	if err != nil || rec != FromCreation {
		t.Errorf("waitConnectionAvailable() after undo = %v, %v, want %v", rec, err, FromCreation)
	}
}

func TestPoolBookkeeping(t *testing.T) {
	ctx := context.Background()
	b := newTestConnectionBin(t, memoryCoordinators(t, 1)[0], 8)
	b.setLocalMax(2)
	pc := &PoolCount{}

	rec, err := b.waitConnectionAvailable(ctx, pc)
	if err != nil || rec != FromCreation {
		t.Fatalf("waitConnectionAvailable() = %v, %v, want %v", rec, err, FromCreation)
	}
	if err := b.noteConnectionCreation(); err != nil {
		t.Fatalf("noteConnectionCreation(): %v", err)
	}
	if b.shouldReturnedConnectionBeDestroyed() {
		t.Fatal("shouldReturnedConnectionBeDestroyed() = true within limit")
	}
	b.noteConnectionReturnedToPool(pc)
	if pc.Get() != 1 || b.referencingPools != 1 {
		t.Fatalf("after return: pool count %d, referencing pools %d, want 1, 1", pc.Get(), b.referencingPools)
	}

	if got := b.shouldPooledConnectionBeDestroyed(pc); got != WithinBounds {
		t.Errorf("shouldPooledConnectionBeDestroyed() = %v, want %v", got, WithinBounds)
	}
	b.undoPooledConnectionDecision(pc)

	rec, err = b.waitConnectionAvailable(ctx, pc)
	if err != nil || rec != FromPool {
		t.Fatalf("waitConnectionAvailable() = %v, %v, want %v", rec, err, FromPool)
	}
	if pc.Get() != 0 || b.referencingPools != 0 {
		t.Errorf("after FromPool: pool count %d, referencing pools %d, want 0, 0", pc.Get(), b.referencingPools)
	}
	if err := b.undoReservation(FromPool, pc); err != nil {
		t.Fatalf("undoReservation(): %v", err)
	}
	if pc.Get() != 1 || b.referencingPools != 1 {
		t.Errorf("after undo: pool count %d, referencing pools %d, want 1, 1", pc.Get(), b.referencingPools)
	}

	// Another pool referencing the bin halves each pool's share.
	other := &PoolCount{}
	b.noteConnectionReturnedToPool(other)
	if b.referencingPools != 2 {
		t.Errorf("referencing pools = %d, want 2", b.referencingPools)
	}

	b.setLocalMax(0)
	if !b.shouldReturnedConnectionBeDestroyed() {
		t.Error("shouldReturnedConnectionBeDestroyed() = false above limit")
	}
	if got := b.shouldPooledConnectionBeDestroyed(pc); got != Destroy {
		t.Errorf("shouldPooledConnectionBeDestroyed() = %v, want %v", got, Destroy)
	}
	if got := b.shouldPooledConnectionBeDestroyed(pc); got != PoolEmpty {
		t.Errorf("shouldPooledConnectionBeDestroyed() of an empty pool = %v, want %v", got, PoolEmpty)
	}
	if b.hasPooledConnection(pc) {
		t.Error("hasPooledConnection() of an empty pool = true")
	}
	if !b.hasPooledConnection(other) {
		t.Error("hasPooledConnection() = false")
	}
	if b.referencingPools != 0 {
		t.Errorf("referencing pools = %d, want 0", b.referencingPools)
	}
}

func TestConnectionProtocolErrors(t *testing.T) {
	b := newTestConnectionBin(t, memoryCoordinators(t, 1)[0], 1)
	wantCode(t, "noteConnectionCreation()", b.noteConnectionCreation(), codes.FailedPrecondition)
	wantCode(t, "undoReservation()", b.undoReservation(FromCreation, &PoolCount{}), codes.FailedPrecondition)
	wantCode(t, "noteConnectionDestroyed()", b.noteConnectionDestroyed(), codes.FailedPrecondition)
}

func TestConnectionWaitCancelled(t *testing.T) {
	b := newTestConnectionBin(t, memoryCoordinators(t, 1)[0], 0)
	mustPoll(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.waitConnectionAvailable(ctx, &PoolCount{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waitConnectionAvailable() = %v, want %v", err, context.DeadlineExceeded)
	}
	if b.reserved != 0 {
		t.Errorf("reserved = %d after cancelled wait", b.reserved)
	}
}

func TestConnectionShutDownReleasesWaiters(t *testing.T) {
	b := newTestConnectionBin(t, memoryCoordinators(t, 1)[0], 0)
	results := make(chan Recommendation, 1)
	go func() {
		rec, _ := b.waitConnectionAvailable(context.Background(), &PoolCount{})
		results <- rec
	}()
	assertBlocked(t, results, "waitConnectionAvailable()")
	if err := b.shutDown(context.Background()); err != nil {
		t.Fatalf("shutDown(): %v", err)
	}
	if got := receive(t, results, "waitConnectionAvailable()"); got != FromNowhere {
		t.Errorf("waitConnectionAvailable() = %v, want %v", got, FromNowhere)
	}
}

func TestUnlimitedConnections(t *testing.T) {
	c := memoryCoordinators(t, 1)[0]
	b := newTestConnectionBin(t, c, 1<<40)
	mustPoll(t, b)
	if b.localMax != 1<<40 {
		t.Errorf("localMax = %d, want unlimited", b.localMax)
	}
}

func TestConnectionConvergence(t *testing.T) {
	cs := memoryCoordinators(t, 2)
	bins := []*connectionBin{
		newTestConnectionBin(t, cs[0], 10),
		newTestConnectionBin(t, cs[1], 10),
	}
	for round := 0; round < 20; round++ {
		for _, b := range bins {
			mustPoll(t, b)
			// Saturating demand: every allowed connection is open.
			b.mu.Lock()
			b.inUse = b.localMax
			b.mu.Unlock()
		}
		if sum := bins[0].localMax + bins[1].localMax; sum > 10 {
			t.Fatalf("round %d: local maxima %d + %d exceed the global limit", round, bins[0].localMax, bins[1].localMax)
		}
	}
	for i, b := range bins {
		if b.localMax < 4 || b.localMax > 6 {
			t.Errorf("bin %d converged to %d, want 5±1", i, b.localMax)
		}
	}
}

func TestIdleSharesShrinkTowardsUse(t *testing.T) {
	cs := memoryCoordinators(t, 2)
	bins := []*connectionBin{
		newTestConnectionBin(t, cs[0], 10),
		newTestConnectionBin(t, cs[1], 10),
	}
	// Idle bins ramp by 10>>2, then hand the unused share back one per poll.
	for round, want := range []int{2, 1, 0, 2, 1, 0} {
		for i, b := range bins {
			mustPoll(t, b)
			if b.localMax != want {
				t.Errorf("round %d: bin %d localMax = %d, want %d", round, i, b.localMax, want)
			}
		}
	}
}

func TestConnectionPollFailStatic(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := coord.NewMockCoordinator(ctrl)
	ctx := context.Background()

	b := newConnectionBin(m, testOptions(clock.System), "type", "group", "bin")
	b.instanceID = "me"
	b.setMaxActive(10)
	b.setLocalMax(3)

	m.EXPECT().EnterWriteLock(gomock.Any(), b.targetLock()).Return(errors.New("backend down"))
	wantCode(t, "poll()", b.poll(ctx), codes.Unavailable)
	if b.localMax != 3 {
		t.Errorf("localMax = %d after failed lock, want 3", b.localMax)
	}

	gomock.InOrder(
		m.EXPECT().EnterWriteLock(gomock.Any(), b.targetLock()).Return(nil),
		m.EXPECT().ScanServiceData(gomock.Any(), b.serviceType, gomock.Any()).Return(errors.New("scan failed")),
		m.EXPECT().LeaveWriteLock(gomock.Any(), b.targetLock()).Return(nil),
	)
	wantCode(t, "poll()", b.poll(ctx), codes.Unavailable)
	if b.localMax != 3 {
		t.Errorf("localMax = %d after failed scan, want 3", b.localMax)
	}

	gomock.InOrder(
		m.EXPECT().EnterWriteLock(gomock.Any(), b.targetLock()).Return(nil),
		m.EXPECT().ScanServiceData(gomock.Any(), b.serviceType, gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, fn coord.ScanFunc) error {
				if err := fn("me", packConnectionRecord(3, 0)); err != nil {
					return err
				}
				return fn("garbage", []byte{1})
			}),
		m.EXPECT().UpdateServiceData(gomock.Any(), b.serviceType, "me", gomock.Any()).Return(errors.New("write failed")),
		m.EXPECT().LeaveWriteLock(gomock.Any(), b.targetLock()).Return(nil),
	)
	wantCode(t, "poll()", b.poll(ctx), codes.Unavailable)
	if b.localMax != 3 {
		t.Errorf("localMax = %d after failed publish, want 3", b.localMax)
	}
}
