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

// Package codeset implements the default CORBA code-set converters:
// narrow strings pass through CDR untouched, while wide-character
// strings and sequences are byte-swapped on unmarshal when the
// producer used the opposite endianness (spec §4.6; grounded on
// Source/ORB/CodeSetConverter.cpp's CodeSetConverter/CodeSetConverterW
// pair).
package codeset

import (
	"encoding/binary"

	"github.com/nirvanaos/core/pkg/cdr"
)

// Converter marshals and unmarshals narrow (char) strings.
type Converter struct{}

// MarshalString writes s as a plain CDR string.
func (Converter) MarshalString(out *cdr.StreamOut, s string) { out.WriteString(s) }

// UnmarshalString reads a plain CDR string.
func (Converter) UnmarshalString(in *cdr.StreamIn) (string, error) { return in.UnmarshalString() }

// WConverter marshals and unmarshals wide-character (WChar) strings
// and sequences, applying the endian fixup the narrow converter
// doesn't need.
type WConverter struct{}

// MarshalString writes s as UTF-16 code units, little-endian.
func (WConverter) MarshalString(out *cdr.StreamOut, s []uint16) {
	buf := make([]byte, len(s)*2)
	for i, c := range s {
		binary.LittleEndian.PutUint16(buf[i*2:], c)
	}
	out.WriteSeq(len(s), func(i int) {
		out.Write(2, 2, buf[i*2:i*2+2], 0)
	})
}

// UnmarshalString reads a UTF-16 code-unit sequence, byte-swapping
// every unit when in.OtherEndian() (spec: "if (in.other_endian())
// byteswap(*p)").
func (WConverter) UnmarshalString(in *cdr.StreamIn) ([]uint16, error) {
	var out []uint16
	_, err := in.UnmarshalSeq(func(i int) error {
		var b [2]byte
		if err := in.Read(2, 2, b[:]); err != nil {
			return err
		}
		v := binary.LittleEndian.Uint16(b[:])
		if in.OtherEndian() {
			v = byteswap16(v)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// MarshalChar writes count raw WChar units without a length prefix,
// for embedding inside a larger structure (spec: marshal_char).
func (WConverter) MarshalChar(out *cdr.StreamOut, data []uint16) {
	buf := make([]byte, len(data)*2)
	for i, c := range data {
		binary.LittleEndian.PutUint16(buf[i*2:], c)
	}
	out.Write(2, len(buf), buf, 0)
}

// UnmarshalChar reads count raw WChar units, byte-swapping each one
// when in.OtherEndian().
func (WConverter) UnmarshalChar(in *cdr.StreamIn, count int) ([]uint16, error) {
	buf := make([]byte, count*2)
	if err := in.Read(2, len(buf), buf); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		v := binary.LittleEndian.Uint16(buf[i*2:])
		if in.OtherEndian() {
			v = byteswap16(v)
		}
		out[i] = v
	}
	return out, nil
}

func byteswap16(v uint16) uint16 { return v<<8 | v>>8 }
