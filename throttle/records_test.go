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
	"math"
	"testing"
)

func TestConnectionRecord(t *testing.T) {
	for _, test := range []struct {
		target, inUse int32
	}{
		{0, 0},
		{-1, -1},
		{math.MaxInt32, 0},
		{0, math.MaxInt32},
		{math.MinInt32, 7},
	} {
		data := packConnectionRecord(test.target, test.inUse)
		if len(data) != connectionRecordSize {
			t.Errorf("packConnectionRecord(%d, %d) has %d bytes", test.target, test.inUse, len(data))
		}
		target, inUse, err := unpackConnectionRecord(data)
		if err != nil {
			t.Fatalf("unpackConnectionRecord(): %v", err)
		}
		if target != test.target || inUse != test.inUse {
			t.Errorf("unpackConnectionRecord(packConnectionRecord(%d, %d)) = %d, %d", test.target, test.inUse, target, inUse)
		}
	}
}

func TestConnectionRecordLayout(t *testing.T) {
	got := packConnectionRecord(-1, 258)
	want := []byte{0xff, 0xff, 0xff, 0xff, 0x02, 0x01, 0x00, 0x00}
	if string(got) != string(want) {
		t.Errorf("packConnectionRecord(-1, 258) = %x, want %x", got, want)
	}
}

func TestFetchAndStreamRecords(t *testing.T) {
	for _, rate := range []float64{0, 0.005, 1.5, math.MaxFloat64} {
		for _, next := range []int64{0, -1, 1767225600000, math.MaxInt64} {
			gotRate, gotNext, err := unpackFetchRecord(packFetchRecord(rate, next))
			if err != nil {
				t.Fatalf("unpackFetchRecord(): %v", err)
			}
			if gotRate != rate || gotNext != next {
				t.Errorf("fetch record round trip of (%g, %d) = (%g, %d)", rate, next, gotRate, gotNext)
			}
		}
		got, err := unpackStreamRecord(packStreamRecord(rate))
		if err != nil {
			t.Fatalf("unpackStreamRecord(): %v", err)
		}
		if got != rate {
			t.Errorf("stream record round trip of %g = %g", rate, got)
		}
	}
}

func TestMalformedRecords(t *testing.T) {
	short := []byte{1, 2, 3}
	if _, _, err := unpackConnectionRecord(short); err == nil {
		t.Error("unpackConnectionRecord() of a short record succeeded")
	}
	if _, _, err := unpackFetchRecord(packConnectionRecord(1, 1)); err == nil {
		t.Error("unpackFetchRecord() of a connection record succeeded")
	}
	if _, err := unpackStreamRecord(packFetchRecord(1, 1)); err == nil {
		t.Error("unpackStreamRecord() of a fetch record succeeded")
	}
}

func TestClampInt32(t *testing.T) {
	for _, test := range []struct {
		in   int
		want int32
	}{
		{0, 0},
		{-5, -5},
		{math.MaxInt32 + 1, math.MaxInt32},
		{math.MinInt32 - 1, math.MinInt32},
	} {
		if got := clampInt32(test.in); got != test.want {
			t.Errorf("clampInt32(%d) = %d, want %d", test.in, got, test.want)
		}
	}
}

func TestServiceTypeName(t *testing.T) {
	a := serviceTypeName(connectionKind, "a/b", "c", "d")
	b := serviceTypeName(connectionKind, "a", "b/c", "d")
	if a == b {
		t.Errorf("serviceTypeName() collides for distinct bins: %q", a)
	}
	if got, want := serviceTypeName(fetchKind, "jdbc", "db 1", "host"), "_FETCHBIN_jdbc/db%201/host"; got != want {
		t.Errorf("serviceTypeName() = %q, want %q", got, want)
	}
	if serviceTypeName(connectionKind, "t", "g", "b") == serviceTypeName(streamKind, "t", "g", "b") {
		t.Error("serviceTypeName() does not separate bin kinds")
	}
}
