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

// Package throttle limits, across every process sharing a coordination
// backend, how many connections may be open against a resource, how often
// documents may be fetched from it and how fast its bytes may be read.
//
// Limits are set per named bin within a throttle group. Each process keeps a
// local share of every global limit and recomputes it when polled: under a
// distributed lock it reads the shares published by the other processes in
// the service registry, takes a fair part of what is left, and publishes its
// own share. Blocking calls only ever consult the local share, so processes
// never talk to each other directly.
//
// A host process constructs one Throttler, defines groups on it with
// CreateOrUpdateThrottleGroup, and calls Poll periodically (see Poller).
// Connection pools then obtain a ConnectionThrottler naming the bins their
// connections count against:
//
//	ct, err := t.ObtainConnectionThrottler(ctx, "web", "crawl-1", []string{"example.com"})
//	rec, err := ct.WaitConnectionAvailable(ctx)
//	...
//	ft := ct.NewConnectionFetchThrottler()
//	ok, err := ft.ObtainFetchDocumentPermission(ctx)
//	st := ft.CreateFetchStream()
//	ok, err = st.ObtainReadPermission(ctx, 4096)
//	...
//	err = st.ReleaseReadPermission(4096, n)
//	err = st.CloseStream()
package throttle
