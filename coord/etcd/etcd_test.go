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

package etcd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/coord/testonly"
	etcdtest "github.com/google/binthrottle/testonly/integration/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

var (
	etcdServer *embed.Etcd
	etcdClient *clientv3.Client
)

func TestMain(m *testing.M) {
	var cleanup func()
	var err error
	etcdServer, etcdClient, cleanup, err = etcdtest.StartEtcd()
	if err != nil {
		panic(fmt.Sprintf("StartEtcd(): %v", err))
	}
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func newCoordinator(t *testing.T, client *clientv3.Client) *Coordinator {
	t.Helper()
	c, err := New(context.Background(), client, "/test", 5)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	return c
}

func TestCoordinator(t *testing.T) {
	testonly.RunAll(t, func(t *testing.T) (coord.Coordinator, coord.Coordinator) {
		// A second client gives the other Coordinator an independent
		// connection, as a separate process would have.
		other, err := etcdtest.NewClient(etcdServer)
		if err != nil {
			t.Fatalf("NewClient(): %v", err)
		}
		t.Cleanup(func() { other.Close() })
		return newCoordinator(t, etcdClient), newCoordinator(t, other)
	})
}

func TestCloseRemovesInstances(t *testing.T) {
	ctx := context.Background()
	a, b := newCoordinator(t, etcdClient), newCoordinator(t, etcdClient)
	defer b.Close()

	id, err := a.RegisterService(ctx, "TestCloseRemovesInstances")
	if err != nil {
		t.Fatalf("RegisterService(): %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
	n := 0
	if err := b.ScanServiceData(ctx, "TestCloseRemovesInstances", func(string, []byte) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("ScanServiceData(): %v", err)
	}
	if n != 0 {
		t.Errorf("ScanServiceData() found %d instances after Close(), want 0", n)
	}
	if err := b.UpdateServiceData(ctx, "TestCloseRemovesInstances", id, []byte("x")); !errors.Is(err, coord.ErrUnknownInstance) {
		t.Errorf("UpdateServiceData() = %v, want %v", err, coord.ErrUnknownInstance)
	}
}
