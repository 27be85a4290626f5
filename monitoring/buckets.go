// Copyright 2017 Google LLC. All Rights Reserved.
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

// WaitBuckets returns histogram buckets (in seconds) suited to the time
// callers spend blocked waiting for a connection, fetch slot or read
// permission: 1ms up to roughly 15 minutes.
func WaitBuckets() []float64 {
	return ExpBuckets(0.001, 2, 20)
}

// PollBuckets returns histogram buckets (in seconds) suited to the duration
// of one poll of a bin, which includes a distributed lock round trip.
func PollBuckets() []float64 {
	return ExpBuckets(0.0005, 1.5, 30)
}

// ExpBuckets returns the specified number of histogram buckets with
// exponentially increasing thresholds. The thresholds vary according to
// base * mult^i for i = 0 ... buckets-1.
func ExpBuckets(base, mult float64, buckets uint) []float64 {
	r := make([]float64, buckets)
	for i, exp := uint(0), base; i < buckets; i, exp = i+1, exp*mult {
		r[i] = exp
	}
	return r
}
