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


package postgresql

import (
	"context"
	"flag"

	"github.com/google/binthrottle/coord"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/klog/v2"
)

// ProviderName identifies the PostgreSQL coordinator implementation.
const ProviderName = "postgresql"

var (
	postgreSQLURI = flag.String("postgresql_uri", "postgresql:///defaultdb?host=localhost&user=test", "Connection URI for PostgreSQL database")
	ttl           = flag.Duration("postgresql_instance_ttl", defaultTTL, "How long a registered bin survives without a heartbeat")
)

func init() {
	if err := coord.RegisterProvider(ProviderName, newProvider); err != nil {
		klog.Fatalf("Failed to register coordinator provider %v: %v", ProviderName, err)
	}
}

func newProvider(ctx context.Context) (coord.Coordinator, error) {
	pool, err := pgxpool.New(ctx, *postgreSQLURI)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		klog.Warningf("Could not ping PostgreSQL database: %v", err)
		pool.Close()
		return nil, err
	}
	c, err := New(ctx, pool, *ttl, nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	klog.Info("Using PostgreSQL coordinator")
	return &owningCoordinator{Coordinator: c, pool: pool}, nil
}

type owningCoordinator struct {
	*Coordinator
	pool *pgxpool.Pool
}

func (o *owningCoordinator) Close() error {
	err := o.Coordinator.Close()
	o.pool.Close()
	return err
}
