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

package monitoring

import (
	"context"
	"sync"
)

var (
	once      sync.Once
	startSpan StartSpanFunc = func(ctx context.Context, _ string) (context.Context, func()) { return ctx, func() {} }
)

// StartSpanFunc is the signature of a function that can start tracing spans.
type StartSpanFunc func(ctx context.Context, name string) (context.Context, func())

// SetStartSpan sets the function used to start tracing spans. Only the first
// call has an effect; it should happen during process startup.
func SetStartSpan(s StartSpanFunc) {
	once.Do(func() {
		startSpan = s
	})
}

// StartSpan starts a new tracing span using the registered function, which
// is a no-op unless SetStartSpan has been called. The returned function must
// be called to end the span.
func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	return startSpan(ctx, name)
}
