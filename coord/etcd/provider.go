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
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/google/binthrottle/coord"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

// ProviderName identifies the etcd coordinator implementation.
const ProviderName = "etcd"

var (
	// Servers is a flag containing the address(es) of etcd servers.
	Servers    = flag.String("etcd_servers", "", "A comma-separated list of etcd servers")
	keyPrefix  = flag.String("etcd_coord_prefix", "/binthrottle", "Prefix of every key written by the etcd coordinator")
	sessionTTL = flag.Int("etcd_session_ttl", DefaultSessionTTL, "TTL in seconds of the etcd lease owning registered bins")
)

func init() {
	if err := coord.RegisterProvider(ProviderName, newProvider); err != nil {
		klog.Fatalf("Failed to register coordinator provider %v: %v", ProviderName, err)
	}
}

func newProvider(ctx context.Context) (coord.Coordinator, error) {
	if *Servers == "" {
		return nil, errors.New("--etcd_servers must be supplied to use the etcd coordinator")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(*Servers, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd at %v: %w", *Servers, err)
	}
	c, err := New(ctx, client, *keyPrefix, *sessionTTL)
	if err != nil {
		client.Close()
		return nil, err
	}
	klog.Infof("Using etcd coordinator at %v", *Servers)
	return &owningCoordinator{Coordinator: c, client: client}, nil
}

// owningCoordinator also closes the client it was created with.
type owningCoordinator struct {
	*Coordinator
	client *clientv3.Client
}

func (o *owningCoordinator) Close() error {
	err := o.Coordinator.Close()
	if cerr := o.client.Close(); err == nil {
		err = cerr
	}
	return err
}
