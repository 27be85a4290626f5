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

package throttle

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Records published to the service registry by each bin instance. All are
// little endian and fixed length.
const (
	// int32 target, int32 in use
	connectionRecordSize = 8
	// float64 rate (fetches/ms), int64 next fetch time (ms since epoch)
	fetchRecordSize = 16
	// float64 rate (bytes/ms)
	streamRecordSize = 8
)

func packConnectionRecord(target, inUse int32) []byte {
	b := make([]byte, 0, connectionRecordSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(target))
	return binary.LittleEndian.AppendUint32(b, uint32(inUse))
}

func unpackConnectionRecord(b []byte) (target, inUse int32, err error) {
	if len(b) != connectionRecordSize {
		return 0, 0, fmt.Errorf("connection record has %d bytes, want %d", len(b), connectionRecordSize)
	}
	return int32(binary.LittleEndian.Uint32(b)), int32(binary.LittleEndian.Uint32(b[4:])), nil
}

func packFetchRecord(rate float64, nextFetchTime int64) []byte {
	b := make([]byte, 0, fetchRecordSize)
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(rate))
	return binary.LittleEndian.AppendUint64(b, uint64(nextFetchTime))
}

func unpackFetchRecord(b []byte) (rate float64, nextFetchTime int64, err error) {
	if len(b) != fetchRecordSize {
		return 0, 0, fmt.Errorf("fetch record has %d bytes, want %d", len(b), fetchRecordSize)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), int64(binary.LittleEndian.Uint64(b[8:])), nil
}

func packStreamRecord(rate float64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, streamRecordSize), math.Float64bits(rate))
}

func unpackStreamRecord(b []byte) (float64, error) {
	if len(b) != streamRecordSize {
		return 0, fmt.Errorf("stream record has %d bytes, want %d", len(b), streamRecordSize)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// clampInt32 saturates v to the int32 range used by connection records.
func clampInt32(v int) int32 {
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
