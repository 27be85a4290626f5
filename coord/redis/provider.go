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

package redis

import (
	"context"
	"errors"
	"flag"

	"github.com/go-redis/redis"
	"github.com/google/binthrottle/coord"
	"k8s.io/klog/v2"
)

// ProviderName identifies the Redis coordinator implementation.
const ProviderName = "redis"

var (
	redisAddr   = flag.String("redis_addr", "", "Address (host:port) of the Redis server used for coordination")
	redisPrefix = flag.String("redis_coord_prefix", defaultPrefix, "Prefix of every key written by the Redis coordinator")
	instanceTTL = flag.Duration("redis_instance_ttl", defaultInstanceTTL, "How long a registered bin survives without a heartbeat")
)

func init() {
	if err := coord.RegisterProvider(ProviderName, newProvider); err != nil {
		klog.Fatalf("Failed to register coordinator provider %v: %v", ProviderName, err)
	}
}

func newProvider(ctx context.Context) (coord.Coordinator, error) {
	if *redisAddr == "" {
		return nil, errors.New("--redis_addr must be supplied to use the redis coordinator")
	}
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	if err := rdb.WithContext(ctx).Ping().Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	klog.Infof("Using redis coordinator at %v", *redisAddr)
	c := New(rdb, Options{Prefix: *redisPrefix, InstanceTTL: *instanceTTL})
	return &owningCoordinator{Coordinator: c, rdb: rdb}, nil
}

type owningCoordinator struct {
	*Coordinator
	rdb *redis.Client
}

func (o *owningCoordinator) Close() error {
	err := o.Coordinator.Close()
	if cerr := o.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
