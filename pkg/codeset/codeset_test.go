// Copyright 2021 The Nirvana Authors.
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

package codeset

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nirvanaos/core/pkg/cdr"
)

func TestWConverterRoundTripSameEndian(t *testing.T) {
	want := []uint16{'h', 'e', 'l', 'l', 'o'}
	out := cdr.NewStreamOut()
	WConverter{}.MarshalString(out, want)

	in := cdr.NewStreamIn(out.Bytes(), false)
	got, err := WConverter{}.UnmarshalString(in)
	if err != nil {
		t.Fatalf("UnmarshalString: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWConverterByteswapsOnOtherEndian(t *testing.T) {
	want := []uint16{0x1234, 0xabcd}
	out := cdr.NewStreamOut()
	WConverter{}.MarshalString(out, want)

	in := cdr.NewStreamIn(out.Bytes(), true)
	got, err := WConverter{}.UnmarshalString(in)
	if err != nil {
		t.Fatalf("UnmarshalString: %v", err)
	}
	for i, v := range want {
		if got[i] != byteswap16(v) {
			t.Fatalf("unit %d = %x, want byteswapped %x", i, got[i], byteswap16(v))
		}
	}
}

func TestWConverterMarshalCharRoundTrip(t *testing.T) {
	want := []uint16{1, 2, 3, 0xffff}
	out := cdr.NewStreamOut()
	WConverter{}.MarshalChar(out, want)

	in := cdr.NewStreamIn(out.Bytes(), false)
	got, err := WConverter{}.UnmarshalChar(in, len(want))
	if err != nil {
		t.Fatalf("UnmarshalChar: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
