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

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NewCoordinatorFunc is the signature of a function which can be registered
// to provide instances of a coordination backend.
type NewCoordinatorFunc func(ctx context.Context) (Coordinator, error)

var (
	cpMu     sync.RWMutex
	cpByName map[string]NewCoordinatorFunc
)

// RegisterProvider registers a function that provides Coordinator instances.
func RegisterProvider(name string, cp NewCoordinatorFunc) error {
	cpMu.Lock()
	defer cpMu.Unlock()

	if cpByName == nil {
		cpByName = make(map[string]NewCoordinatorFunc)
	}

	if _, exists := cpByName[name]; exists {
		return fmt.Errorf("coordinator provider %v already registered", name)
	}
	cpByName[name] = cp
	return nil
}

// Providers returns a sorted slice of registered coordinator provider names.
func Providers() []string {
	cpMu.RLock()
	defer cpMu.RUnlock()

	r := make([]string, 0, len(cpByName))
	for k := range cpByName {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

// NewCoordinator returns a Coordinator from the named provider.
func NewCoordinator(ctx context.Context, name string) (Coordinator, error) {
	cpMu.RLock()
	f, exists := cpByName[name]
	cpMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown coordinator system: %q (registered: %v)", name, Providers())
	}
	return f(ctx)
}
