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


package coord

import "sync"

// Owned is the set of instances registered through one Coordinator, mapping
// instance id to service type. Backends without session leases use it to
// refresh heartbeats and to remove their instances on Close.
//
// The zero value is ready to use.
type Owned struct {
	mu sync.Mutex
	m  map[string]string
}

// Add records an instance.
func (o *Owned) Add(instanceID, serviceType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.m == nil {
		o.m = make(map[string]string)
	}
	o.m[instanceID] = serviceType
}

// Remove forgets an instance.
func (o *Owned) Remove(instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.m, instanceID)
}

// Snapshot returns a copy of the set.
func (o *Owned) Snapshot() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := make(map[string]string, len(o.m))
	for id, serviceType := range o.m {
		r[id] = serviceType
	}
	return r
}

// Drain empties the set and returns what it held.
func (o *Owned) Drain() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.m
	o.m = nil
	return r
}
