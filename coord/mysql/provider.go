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


package mysql

import (
	"context"
	"database/sql"
	"flag"

	"github.com/google/binthrottle/coord"
	"k8s.io/klog/v2"
)

// ProviderName identifies the MySQL coordinator implementation.
const ProviderName = "mysql"

var (
	mySQLURI = flag.String("mysql_uri", "test:zaphod@tcp(127.0.0.1:3306)/test", "Connection URI for MySQL database")
	maxConns = flag.Int("mysql_max_conns", 0, "Maximum connections to the database")
	ttl      = flag.Duration("mysql_instance_ttl", defaultTTL, "How long a registered bin survives without a heartbeat")
)

func init() {
	if err := coord.RegisterProvider(ProviderName, newProvider); err != nil {
		klog.Fatalf("Failed to register coordinator provider %v: %v", ProviderName, err)
	}
}

func newProvider(ctx context.Context) (coord.Coordinator, error) {
	dsn, err := FoundRowsDSN(*mySQLURI)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if *maxConns > 0 {
		db.SetMaxOpenConns(*maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		klog.Warningf("Could not ping MySQL database: %v", err)
		db.Close()
		return nil, err
	}
	c, err := New(ctx, db, *ttl, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	klog.Info("Using MySQL coordinator")
	return &owningCoordinator{Coordinator: c, db: db}, nil
}

type owningCoordinator struct {
	*Coordinator
	db *sql.DB
}

func (o *owningCoordinator) Close() error {
	err := o.Coordinator.Close()
	if cerr := o.db.Close(); err == nil {
		err = cerr
	}
	return err
}
