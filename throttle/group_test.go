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
	"sync"
	"testing"
	"time"

	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/util/clock"
	"google.golang.org/grpc/codes"
)

func newTestThrottler(t *testing.T, c coord.Coordinator, ts clock.TimeSource) *Throttler {
	t.Helper()
	th := New(c, Options{TimeSource: ts, RetryPause: time.Millisecond})
	t.Cleanup(func() {
		if err := th.Destroy(context.Background()); err != nil {
			t.Errorf("Destroy(): %v", err)
		}
	})
	return th
}

func obtain(t *testing.T, th *Throttler, spec Spec, bins ...string) *ConnectionThrottler {
	t.Helper()
	ctx := context.Background()
	if err := th.CreateOrUpdateThrottleGroup(ctx, "type", "group", spec); err != nil {
		t.Fatalf("CreateOrUpdateThrottleGroup(): %v", err)
	}
	ct, err := th.ObtainConnectionThrottler(ctx, "type", "group", bins)
	if err != nil || ct == nil {
		t.Fatalf("ObtainConnectionThrottler() = %v, %v", ct, err)
	}
	return ct
}

func TestSortedBinNames(t *testing.T) {
	got := sortedBinNames([]string{"b", "a", "c", "a"})
	if want := []string{"a", "b", "c"}; len(got) != len(want) || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("sortedBinNames() = %v, want %v", got, want)
	}
}

func TestMultiBinConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	ct := obtain(t, newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System), testSpec{conns: 10}, "y", "x")
	a, b := ct.bins.connections[0], ct.bins.connections[1]
	if a.name != "x" || b.name != "y" {
		t.Fatalf("bins in order %s, %s, want x, y", a.name, b.name)
	}

	rec, err := ct.WaitConnectionAvailable(ctx)
	if err != nil || rec != FromCreation {
		t.Fatalf("WaitConnectionAvailable() = %v, %v, want %v", rec, err, FromCreation)
	}
	for _, bin := range []*connectionBin{a, b} {
		if bin.inUse != 1 || bin.reserved != 0 {
			t.Errorf("%v: in use %d, reserved %d, want 1, 0", bin, bin.inUse, bin.reserved)
		}
	}

	if ct.NoteReturnedConnection() {
		t.Fatal("NoteReturnedConnection() = true within limits")
	}
	if ct.CheckDestroyPooledConnection() {
		t.Error("CheckDestroyPooledConnection() = true within limits")
	}
	rec, err = ct.WaitConnectionAvailable(ctx)
	if err != nil || rec != FromPool {
		t.Fatalf("WaitConnectionAvailable() = %v, %v, want %v", rec, err, FromPool)
	}
	if ct.NoteReturnedConnection() {
		t.Fatal("NoteReturnedConnection() = true within limits")
	}

	a.setLocalMax(0)
	if !ct.CheckDestroyPooledConnection() {
		t.Fatal("CheckDestroyPooledConnection() = false above the limit of one bin")
	}
	if err := ct.NoteConnectionDestroyed(); err != nil {
		t.Fatalf("NoteConnectionDestroyed(): %v", err)
	}
	if ct.CheckDestroyPooledConnection() || ct.CheckExpireConnection() {
		t.Error("empty pool reported a pooled connection")
	}
	for i, bin := range []*connectionBin{a, b} {
		if bin.inUse != 0 || ct.pools[i].Get() != 0 || bin.referencingPools != 0 {
			t.Errorf("%v: in use %d, pooled %d, referencing pools %d, want all 0", bin, bin.inUse, ct.pools[i].Get(), bin.referencingPools)
		}
	}
}

func TestCheckExpireConnection(t *testing.T) {
	ctx := context.Background()
	ct := obtain(t, newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System), testSpec{conns: 10}, "a", "b")
	if rec, err := ct.WaitConnectionAvailable(ctx); err != nil || rec != FromCreation {
		t.Fatalf("WaitConnectionAvailable() = %v, %v", rec, err)
	}
	if ct.NoteReturnedConnection() {
		t.Fatal("NoteReturnedConnection() = true within limits")
	}
	// Only one bin believes it has a pooled connection.
	b := ct.bins.connections[1]
	b.hasPooledConnection(ct.pools[1])
	if ct.CheckExpireConnection() {
		t.Error("CheckExpireConnection() = true with one bin's pool empty")
	}
	if got := ct.pools[0].Get(); got != 1 {
		t.Errorf("first bin's pool count = %d after failed expiry, want 1", got)
	}
	b.undoPooledConnectionDecision(ct.pools[1])
	if !ct.CheckExpireConnection() {
		t.Error("CheckExpireConnection() = false")
	}
}

func TestMultiBinRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	ct := obtain(t, newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System), testSpec{conns: 10}, "b", "a")
	a, b := ct.bins.connections[0], ct.bins.connections[1]

	// a counts a pooled connection that b does not: a recommends the pool, b
	// a new connection.
	a.noteConnectionReturnedToPool(ct.pools[0])
	done := make(chan Recommendation, 1)
	go func() {
		rec, err := ct.WaitConnectionAvailable(ctx)
		if err != nil {
			t.Errorf("WaitConnectionAvailable(): %v", err)
		}
		done <- rec
	}()
	assertBlocked(t, done, "WaitConnectionAvailable() with conflicting bins")

	b.noteConnectionReturnedToPool(ct.pools[1])
	if got := receive(t, done, "WaitConnectionAvailable()"); got != FromPool {
		t.Errorf("WaitConnectionAvailable() = %v, want %v", got, FromPool)
	}
	for i, bin := range []*connectionBin{a, b} {
		if ct.pools[i].Get() != 0 || bin.reserved != 0 {
			t.Errorf("%v: pooled %d, reserved %d, want 0, 0", bin, ct.pools[i].Get(), bin.reserved)
		}
	}
}

func TestMultiBinConflictEndsAtShutdown(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System)
	ct := obtain(t, th, testSpec{conns: 10}, "a", "b")
	ct.bins.connections[0].noteConnectionReturnedToPool(ct.pools[0])

	done := make(chan Recommendation, 1)
	go func() {
		rec, _ := ct.WaitConnectionAvailable(ctx)
		done <- rec
	}()
	assertBlocked(t, done, "WaitConnectionAvailable() with conflicting bins")
	if err := th.RemoveThrottleGroup(ctx, "type", "group"); err != nil {
		t.Fatalf("RemoveThrottleGroup(): %v", err)
	}
	if got := receive(t, done, "WaitConnectionAvailable()"); got != FromNowhere {
		t.Errorf("WaitConnectionAvailable() = %v, want %v", got, FromNowhere)
	}
}

func TestMultiBinCancelUnwinds(t *testing.T) {
	ct := obtain(t, newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System), testSpec{conns: 10}, "a", "b")
	a, b := ct.bins.connections[0], ct.bins.connections[1]
	b.setLocalMax(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ct.WaitConnectionAvailable(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitConnectionAvailable() = %v, want %v", err, context.DeadlineExceeded)
	}
	if a.reserved != 0 {
		t.Errorf("reservation left in %v after cancellation", a)
	}
}

func TestFetchDocumentPermission(t *testing.T) {
	ctx := context.Background()
	ft := obtain(t, newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System), testSpec{}, "a", "b").NewConnectionFetchThrottler()
	for i := 0; i < 3; i++ {
		if ok, err := ft.ObtainFetchDocumentPermission(ctx); !ok || err != nil {
			t.Fatalf("ObtainFetchDocumentPermission() = %v, %v", ok, err)
		}
	}

	// Another fetch holds b's reservation.
	a, b := ft.bins.fetches[0], ft.bins.fetches[1]
	if ok, err := b.reserveFetchRequest(ctx); !ok || err != nil {
		t.Fatalf("reserveFetchRequest() = %v, %v", ok, err)
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := ft.ObtainFetchDocumentPermission(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ObtainFetchDocumentPermission() = %v, want %v", err, context.DeadlineExceeded)
	}
	if a.reserved {
		t.Error("reservation left in the first bin after cancellation")
	}
	if !b.reserved {
		t.Error("other fetch lost its reservation")
	}
}

func TestFetchPermissionCancelledWhileWaiting(t *testing.T) {
	ctx := context.Background()
	ft := obtain(t, newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System), testSpec{fetchMs: 60000}, "a", "b").NewConnectionFetchThrottler()
	if ok, err := ft.ObtainFetchDocumentPermission(ctx); !ok || err != nil {
		t.Fatalf("ObtainFetchDocumentPermission() = %v, %v", ok, err)
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := ft.ObtainFetchDocumentPermission(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ObtainFetchDocumentPermission() = %v, want %v", err, context.DeadlineExceeded)
	}
	for _, b := range ft.bins.fetches {
		if b.reserved {
			t.Errorf("reservation left in %v after cancellation", b)
		}
	}
}

func TestReadPermissionUndo(t *testing.T) {
	ctx := context.Background()
	ft := obtain(t, newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System), testSpec{}, "a", "b").NewConnectionFetchThrottler()
	st := ft.CreateFetchStream()
	a, b := st.bins[0], st.bins[1]

	// b is timing another read, so new reads wait for it.
	if ok, err := b.beginRead(ctx, 1); !ok || err != nil {
		t.Fatalf("beginRead() = %v, %v", ok, err)
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := st.ObtainReadPermission(cctx, 10); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ObtainReadPermission() = %v, want %v", err, context.DeadlineExceeded)
	}
	if a.totalBytesRead != 0 {
		t.Errorf("first bin counts %d bytes after the read was undone", a.totalBytesRead)
	}
}

func TestStreamThrottler(t *testing.T) {
	ctx := context.Background()
	ft := obtain(t, newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System), testSpec{}, "a").NewConnectionFetchThrottler()
	if ok, err := ft.ObtainFetchDocumentPermission(ctx); !ok || err != nil {
		t.Fatalf("ObtainFetchDocumentPermission() = %v, %v", ok, err)
	}
	st := ft.CreateFetchStream()
	bin := st.bins[0]
	for i := 0; i < 3; i++ {
		if ok, err := st.ObtainReadPermission(ctx, 100); !ok || err != nil {
			t.Fatalf("ObtainReadPermission() = %v, %v", ok, err)
		}
		if err := st.ReleaseReadPermission(100, 60); err != nil {
			t.Fatalf("ReleaseReadPermission(): %v", err)
		}
	}
	if bin.totalBytesRead != 180 {
		t.Errorf("totalBytesRead = %d, want 180", bin.totalBytesRead)
	}
	wantCode(t, "ReleaseReadPermission()", st.ReleaseReadPermission(10, 20), codes.FailedPrecondition)

	if ok, err := st.ObtainReadPermission(ctx, 5); !ok || err != nil {
		t.Fatalf("ObtainReadPermission() = %v, %v", ok, err)
	}
	st.AbortRead()
	if err := st.CloseStream(); err != nil {
		t.Errorf("CloseStream(): %v", err)
	}
	if err := st.CloseStream(); err != nil {
		t.Errorf("second CloseStream(): %v", err)
	}
	if err := st.AbortStream(); err != nil {
		t.Errorf("AbortStream() after CloseStream(): %v", err)
	}
	if bin.refCount != 0 {
		t.Errorf("refCount = %d after the stream closed", bin.refCount)
	}

	aborted := ft.CreateFetchStream()
	if err := aborted.AbortStream(); err != nil {
		t.Errorf("AbortStream(): %v", err)
	}
	if bin.refCount != 0 {
		t.Errorf("refCount = %d after the stream was aborted", bin.refCount)
	}
}

func TestOverlappingBinSetsDoNotDeadlock(t *testing.T) {
	const (
		limit      = 3
		perSubset  = 4
		iterations = 200
	)
	th := newTestThrottler(t, memoryCoordinators(t, 1)[0], clock.System)
	var cts []*ConnectionThrottler
	for _, subset := range [][]string{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"a"}} {
		cts = append(cts, obtain(t, th, testSpec{conns: limit}, subset...))
	}
	g := th.group("type", "group")
	var all []*connectionBin
	for _, name := range []string{"a", "b", "c"} {
		b := g.connectionBins[name]
		b.setLocalMax(limit)
		all = append(all, b)
	}
	checkBounds := func() {
		for _, b := range all {
			b.mu.Lock()
			reserved, inUse, localMax := b.reserved, b.inUse, b.localMax
			b.mu.Unlock()
			if reserved+inUse > localMax {
				t.Errorf("%v: reserved %d + in use %d exceed local max %d", b, reserved, inUse, localMax)
			}
		}
	}

	var wg sync.WaitGroup
	for _, ct := range cts {
		for i := 0; i < perSubset; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < iterations; n++ {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					rec, err := ct.WaitConnectionAvailable(ctx)
					cancel()
					if err != nil {
						t.Errorf("WaitConnectionAvailable(%v): %v", ct.BinNames(), err)
						return
					}
					if rec != FromCreation {
						t.Errorf("WaitConnectionAvailable(%v) = %v, want %v", ct.BinNames(), rec, FromCreation)
						return
					}
					checkBounds()
					if err := ct.NoteConnectionDestroyed(); err != nil {
						t.Errorf("NoteConnectionDestroyed(): %v", err)
						return
					}
				}
			}()
		}
	}
	wg.Wait()

	for _, b := range all {
		if b.reserved != 0 || b.inUse != 0 {
			t.Errorf("%v: reserved %d, in use %d after all connections were destroyed", b, b.reserved, b.inUse)
		}
	}
}
