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

// Package testonly holds a conformance suite run against every
// coord.Coordinator implementation.
package testonly

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/binthrottle/coord"
	"github.com/google/go-cmp/cmp"
)

// Factory returns two Coordinators attached to the same backend, standing in
// for two separate processes. Both are closed by the test.
type Factory func(t *testing.T) (coord.Coordinator, coord.Coordinator)

// NamedTest is a test function paired with its string name.
type NamedTest struct {
	Name string
	Run  func(t *testing.T, f Factory)
}

// Tests is the full list of available Coordinator tests.
var Tests = []NamedTest{
	{Name: "RegisterAndScan", Run: runRegisterAndScan},
	{Name: "EndServiceActivity", Run: runEndServiceActivity},
	{Name: "ScanError", Run: runScanError},
	{Name: "LockExcludesOtherProcess", Run: runLockExcludesOtherProcess},
	{Name: "LockExcludesSameProcess", Run: runLockExcludesSameProcess},
	{Name: "LockNamesIndependent", Run: runLockNamesIndependent},
	{Name: "LeaveUnheldLock", Run: runLeaveUnheldLock},
}

// RunAll runs every test in Tests as a subtest.
func RunAll(t *testing.T, f Factory) {
	for _, test := range Tests {
		t.Run(test.Name, func(t *testing.T) { test.Run(t, f) })
	}
}

func open(t *testing.T, f Factory) (coord.Coordinator, coord.Coordinator) {
	t.Helper()
	a, b := f(t)
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
		if err := b.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
	})
	return a, b
}

// uniqueName keeps tests independent when backends persist state between
// runs.
func uniqueName(t *testing.T, what string) string {
	return fmt.Sprintf("%s/%s/%d", t.Name(), what, time.Now().UnixNano())
}

func scanAll(ctx context.Context, t *testing.T, c coord.Coordinator, serviceType string) map[string]string {
	t.Helper()
	got := make(map[string]string)
	if err := c.ScanServiceData(ctx, serviceType, func(id string, data []byte) error {
		got[id] = string(data)
		return nil
	}); err != nil {
		t.Fatalf("ScanServiceData(%q): %v", serviceType, err)
	}
	return got
}

func runRegisterAndScan(t *testing.T, f Factory) {
	ctx := context.Background()
	a, b := open(t, f)
	svc := uniqueName(t, "svc")

	idA, err := a.RegisterService(ctx, svc)
	if err != nil {
		t.Fatalf("RegisterService(): %v", err)
	}
	idB, err := b.RegisterService(ctx, svc)
	if err != nil {
		t.Fatalf("RegisterService(): %v", err)
	}
	if idA == idB {
		t.Fatalf("RegisterService() returned duplicate id %q", idA)
	}

	if diff := cmp.Diff(map[string]string{idA: "", idB: ""}, scanAll(ctx, t, a, svc)); diff != "" {
		t.Errorf("scan after register diff (-want +got):\n%s", diff)
	}

	if err := a.UpdateServiceData(ctx, svc, idA, []byte{1, 2, 3}); err != nil {
		t.Fatalf("UpdateServiceData(): %v", err)
	}
	if err := b.UpdateServiceData(ctx, svc, idB, []byte{4}); err != nil {
		t.Fatalf("UpdateServiceData(): %v", err)
	}
	if err := b.UpdateServiceData(ctx, svc, idB, []byte{5, 6}); err != nil {
		t.Fatalf("UpdateServiceData(): %v", err)
	}
	want := map[string]string{idA: "\x01\x02\x03", idB: "\x05\x06"}
	if diff := cmp.Diff(want, scanAll(ctx, t, b, svc)); diff != "" {
		t.Errorf("scan after update diff (-want +got):\n%s", diff)
	}

	if got := scanAll(ctx, t, a, uniqueName(t, "other")); len(got) != 0 {
		t.Errorf("scan of unrelated service type returned %v, want nothing", got)
	}
}

func runEndServiceActivity(t *testing.T, f Factory) {
	ctx := context.Background()
	a, b := open(t, f)
	svc := uniqueName(t, "svc")

	idA, err := a.RegisterService(ctx, svc)
	if err != nil {
		t.Fatalf("RegisterService(): %v", err)
	}
	idB, err := b.RegisterService(ctx, svc)
	if err != nil {
		t.Fatalf("RegisterService(): %v", err)
	}
	if err := a.EndServiceActivity(ctx, svc, idA); err != nil {
		t.Fatalf("EndServiceActivity(): %v", err)
	}
	if diff := cmp.Diff(map[string]string{idB: ""}, scanAll(ctx, t, b, svc)); diff != "" {
		t.Errorf("scan after end diff (-want +got):\n%s", diff)
	}
}

func runScanError(t *testing.T, f Factory) {
	ctx := context.Background()
	a, _ := open(t, f)
	svc := uniqueName(t, "svc")
	if _, err := a.RegisterService(ctx, svc); err != nil {
		t.Fatalf("RegisterService(): %v", err)
	}
	stop := errors.New("stop")
	err := a.ScanServiceData(ctx, svc, func(string, []byte) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("ScanServiceData() returned %v, want %v", err, stop)
	}
}

func runLockExcludesOtherProcess(t *testing.T, f Factory) {
	ctx := context.Background()
	a, b := open(t, f)
	lock := uniqueName(t, "lock")

	if err := a.EnterWriteLock(ctx, lock); err != nil {
		t.Fatalf("EnterWriteLock(): %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := b.EnterWriteLock(cctx, lock); err == nil {
		t.Fatal("EnterWriteLock() on a held lock succeeded")
	}

	acquired := make(chan error, 1)
	go func() { acquired <- b.EnterWriteLock(ctx, lock) }()
	select {
	case err := <-acquired:
		t.Fatalf("EnterWriteLock() returned %v while lock held elsewhere", err)
	case <-time.After(100 * time.Millisecond):
	}
	if err := a.LeaveWriteLock(ctx, lock); err != nil {
		t.Fatalf("LeaveWriteLock(): %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("EnterWriteLock(): %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("EnterWriteLock() did not return after the lock was released")
	}
	if err := b.LeaveWriteLock(ctx, lock); err != nil {
		t.Errorf("LeaveWriteLock(): %v", err)
	}
}

func runLockExcludesSameProcess(t *testing.T, f Factory) {
	ctx := context.Background()
	a, _ := open(t, f)
	lock := uniqueName(t, "lock")

	if err := a.EnterWriteLock(ctx, lock); err != nil {
		t.Fatalf("EnterWriteLock(): %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := a.EnterWriteLock(cctx, lock); err == nil {
		t.Fatal("second EnterWriteLock() in the same process succeeded")
	}
	if err := a.LeaveWriteLock(ctx, lock); err != nil {
		t.Fatalf("LeaveWriteLock(): %v", err)
	}
	if err := a.EnterWriteLock(ctx, lock); err != nil {
		t.Fatalf("EnterWriteLock() after release: %v", err)
	}
	if err := a.LeaveWriteLock(ctx, lock); err != nil {
		t.Errorf("LeaveWriteLock(): %v", err)
	}
}

func runLockNamesIndependent(t *testing.T, f Factory) {
	ctx := context.Background()
	a, b := open(t, f)
	x, y := uniqueName(t, "x"), uniqueName(t, "y")

	if err := a.EnterWriteLock(ctx, x); err != nil {
		t.Fatalf("EnterWriteLock(%q): %v", x, err)
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.EnterWriteLock(cctx, y); err != nil {
		t.Fatalf("EnterWriteLock(%q): %v", y, err)
	}
	if err := b.LeaveWriteLock(ctx, y); err != nil {
		t.Errorf("LeaveWriteLock(%q): %v", y, err)
	}
	if err := a.LeaveWriteLock(ctx, x); err != nil {
		t.Errorf("LeaveWriteLock(%q): %v", x, err)
	}
}

func runLeaveUnheldLock(t *testing.T, f Factory) {
	a, _ := open(t, f)
	if err := a.LeaveWriteLock(context.Background(), uniqueName(t, "lock")); err == nil {
		t.Error("LeaveWriteLock() of an unheld lock succeeded")
	}
}
