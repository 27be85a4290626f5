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

package memory

import (
	"context"

	"github.com/google/binthrottle/coord"
	"k8s.io/klog/v2"
)

// ProviderName is the name under which the memory coordinator is registered.
const ProviderName = "memory"

func init() {
	if err := coord.RegisterProvider(ProviderName, newProvider); err != nil {
		klog.Fatalf("Failed to register coordinator provider %v: %v", ProviderName, err)
	}
}

func newProvider(context.Context) (coord.Coordinator, error) {
	return NewCoordinator(NewStore()), nil
}
