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

// Package cdr implements CDR marshaling streams (StreamOut/StreamIn)
// and the GIOP 1.2 message framing of spec §4.6 and §6.
package cdr

import (
	"encoding/binary"

	"github.com/nirvanaos/core/internal/corbaerr"
)

// MsgType is the GIOP message_type octet (spec §6).
type MsgType byte

const (
	MsgRequest MsgType = iota
	MsgReply
	MsgCancelRequest
	MsgLocateRequest
	MsgLocateReply
	MsgCloseConnection
	MsgMessageError
	MsgFragment
)

// ReplyStatus is the GIOP reply_status field.
type ReplyStatus uint32

const (
	ReplyNoException ReplyStatus = iota
	ReplyUserException
	ReplySystemException
	ReplyLocationForward
	ReplyLocationForwardPerm
	ReplyNeedsAddressingMode
)

const giopHeaderSize = 12

// flagLittleEndian and flagFragment are bits of the GIOP header's flags
// octet (spec §6: "bit 0 little-endian, bit 1 fragment").
const (
	flagLittleEndian = 1 << 0
	flagFragment     = 1 << 1
)

func align(pos, a int) int {
	if a <= 1 {
		return pos
	}
	return (pos + a - 1) &^ (a - 1)
}

// StreamOut buffers outgoing CDR (spec §4.6).
type StreamOut struct {
	buf          []byte
	littleEndian bool
	sizePatchPos int // -1 if no GIOP header has been written
	chunkStack   []int
}

// NewStreamOut creates an empty little-endian output stream.
func NewStreamOut() *StreamOut {
	return &StreamOut{littleEndian: true, sizePatchPos: -1}
}

// Size returns the number of bytes written so far, including alignment
// gaps (spec §4.6: "size() includes alignment gaps").
func (s *StreamOut) Size() int { return len(s.buf) }

// Bytes returns the stream's contents.
func (s *StreamOut) Bytes() []byte { return s.buf }

// Write appends size bytes of data after padding to align, optionally
// adopting data's backing array directly when allocatedSize > 0 and the
// stream is currently empty (spec §4.6, "zero-copy assembly").
func (s *StreamOut) Write(alignTo, size int, data []byte, allocatedSize int) {
	if allocatedSize > 0 && len(s.buf) == 0 {
		s.buf = data[:size:allocatedSize]
		return
	}
	pad := align(len(s.buf), alignTo) - len(s.buf)
	s.buf = append(s.buf, make([]byte, pad)...)
	s.buf = append(s.buf, data[:size]...)
}

// WriteString writes a CDR string: a uint32 length (including the NUL)
// followed by the bytes and a terminating NUL.
func (s *StreamOut) WriteString(v string) {
	n := uint32(len(v) + 1)
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], n)
	s.Write(4, 4, lb[:], 0)
	s.Write(1, len(v), []byte(v), 0)
	s.Write(1, 1, []byte{0}, 0)
}

// WriteSeq writes a CDR sequence: a uint32 count followed by n calls to
// writeElem.
func (s *StreamOut) WriteSeq(n int, writeElem func(i int)) {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(n))
	s.Write(4, 4, lb[:], 0)
	for i := 0; i < n; i++ {
		writeElem(i)
	}
}

// ChunkBegin reserves a 4-byte chunk-length placeholder for valuetype
// marshaling and returns a token for ChunkEnd.
func (s *StreamOut) ChunkBegin() int {
	pos := align(len(s.buf), 4)
	s.Write(4, 4, []byte{0, 0, 0, 0}, 0)
	s.chunkStack = append(s.chunkStack, pos)
	return pos
}

// ChunkEnd backpatches the chunk-length placeholder opened by the
// matching ChunkBegin with the number of bytes written since.
func (s *StreamOut) ChunkEnd() {
	n := len(s.chunkStack)
	pos := s.chunkStack[n-1]
	s.chunkStack = s.chunkStack[:n-1]
	chunkLen := uint32(len(s.buf) - pos - 4)
	binary.LittleEndian.PutUint32(s.buf[pos:pos+4], chunkLen)
}

// WriteMessageHeader writes the 12-octet GIOP header and reserves the
// message_size field for Finish to backpatch (spec §6).
func (s *StreamOut) WriteMessageHeader(giopMinor byte, msgType MsgType) {
	var flags byte
	if s.littleEndian {
		flags |= flagLittleEndian
	}
	hdr := [giopHeaderSize]byte{'G', 'I', 'O', 'P', 1, giopMinor, flags, byte(msgType)}
	s.buf = append(s.buf, hdr[:]...)
	s.sizePatchPos = len(s.buf) - 4
}

// Finish backpatches the message_size field written by
// WriteMessageHeader with the size of everything written since.
func (s *StreamOut) Finish() {
	if s.sizePatchPos < 0 {
		return
	}
	bodySize := uint32(len(s.buf) - s.sizePatchPos - 4)
	binary.LittleEndian.PutUint32(s.buf[s.sizePatchPos:s.sizePatchPos+4], bodySize)
}

// Rewind truncates the stream back to hdrSize bytes and repositions any
// further writes there (spec §4.6, "rewind(hdr_size)").
func (s *StreamOut) Rewind(hdrSize int) {
	s.buf = s.buf[:hdrSize]
}

// StreamIn is the dual of StreamOut (spec §4.6).
type StreamIn struct {
	buf         []byte
	pos         int
	otherEndian bool
}

// NewStreamIn wraps buf for reading; otherEndian indicates the producer
// used the opposite byte order from this host.
func NewStreamIn(buf []byte, otherEndian bool) *StreamIn {
	return &StreamIn{buf: buf, otherEndian: otherEndian}
}

// OtherEndian reports whether scalars must be byte-swapped after Read.
func (s *StreamIn) OtherEndian() bool { return s.otherEndian }

// Read copies size bytes into dst after skipping to the next align
// boundary, reporting MARSHAL if the stream is exhausted.
func (s *StreamIn) Read(alignTo, size int, dst []byte) error {
	pos := align(s.pos, alignTo)
	if pos+size > len(s.buf) {
		return corbaerr.New(corbaerr.Marshal, 0)
	}
	copy(dst, s.buf[pos:pos+size])
	s.pos = pos + size
	return nil
}

// UnmarshalString reads a CDR string.
func (s *StreamIn) UnmarshalString() (string, error) {
	var lb [4]byte
	if err := s.Read(4, 4, lb[:]); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint32(lb[:]))
	if n == 0 {
		return "", corbaerr.New(corbaerr.Marshal, 0)
	}
	buf := make([]byte, n)
	if err := s.Read(1, n, buf); err != nil {
		return "", err
	}
	return string(buf[:n-1]), nil
}

// UnmarshalSeq reads a CDR sequence length and invokes readElem that
// many times.
func (s *StreamIn) UnmarshalSeq(readElem func(i int) error) (int, error) {
	var lb [4]byte
	if err := s.Read(4, 4, lb[:]); err != nil {
		return 0, err
	}
	n := int(binary.LittleEndian.Uint32(lb[:]))
	for i := 0; i < n; i++ {
		if err := readElem(i); err != nil {
			return i, err
		}
	}
	return n, nil
}

// End reports whether every byte has been consumed.
func (s *StreamIn) End() bool { return s.pos >= len(s.buf) }

// UnmarshalEnd validates that at most 7 bytes of trailing alignment
// padding remain unread (spec §4.6).
func (s *StreamIn) UnmarshalEnd() error {
	remaining := len(s.buf) - s.pos
	if remaining < 0 || remaining > 7 {
		return corbaerr.New(corbaerr.Marshal, 0)
	}
	return nil
}
