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

// Package corbaerr implements the CORBA-style, completion-status-tagged
// error taxonomy of the runtime kernel (see spec §7). Every core
// subsystem reports failures as a *corbaerr.Exception carrying one of the
// standard CORBA system exception names plus a minor code, so callers
// across the ORB boundary can marshal the same exception they received.
package corbaerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Completed describes whether the operation that raised an exception
// completed, as required by CORBA's CompletionStatus.
type Completed int

const (
	CompletedYes Completed = iota
	CompletedNo
	CompletedMaybe
)

// Name is one of the standard CORBA system exception names used by §7's
// taxonomy.
type Name string

const (
	NoMemory        Name = "NO_MEMORY"
	ImpLimit        Name = "IMP_LIMIT"
	FreeMem         Name = "FREE_MEM"
	BadParam        Name = "BAD_PARAM"
	BadTypecode     Name = "BAD_TYPECODE"
	InvObjref       Name = "INV_OBJREF"
	BadInvOrder     Name = "BAD_INV_ORDER"
	BadOperation    Name = "BAD_OPERATION"
	CommFailure     Name = "COMM_FAILURE"
	Transient       Name = "TRANSIENT"
	Marshal         Name = "MARSHAL"
	NoResponse      Name = "NO_RESPONSE"
	ObjectNotExist  Name = "OBJECT_NOT_EXIST"
	PersistStore    Name = "PERSIST_STORE"
	ObjAdapter      Name = "OBJ_ADAPTER"
	ArithmeticError Name = "ARITHMETIC_ERROR"
	DataConversion  Name = "DATA_CONVERSION"
	Unknown         Name = "UNKNOWN"
	Internal        Name = "INTERNAL"
	NoPermission    Name = "NO_PERMISSION"
	WrongAdapter    Name = "WrongAdapter"
)

// FPEMinor enumerates the FPE_* minor codes used with ArithmeticError.
type FPEMinor uint32

const (
	FPEIntDiv FPEMinor = iota + 1
	FPEIntOvf
	FPEFltDiv
	FPEFltOvf
	FPEFltUnd
	FPEFltInv
)

// Exception is a CORBA-style tagged error value. It satisfies the error
// interface and wraps an optional underlying cause (via pkg/errors) for
// log-friendly stack traces without changing the identity callers match
// on.
type Exception struct {
	Name      Name
	Minor     uint32
	Completed Completed
	cause     error
}

func (e *Exception) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s(minor=%#x, completed=%d): %v", e.Name, e.Minor, e.Completed, e.cause)
	}
	return fmt.Sprintf("%s(minor=%#x, completed=%d)", e.Name, e.Minor, e.Completed)
}

func (e *Exception) Unwrap() error { return e.cause }

// New creates an Exception with the given name and minor code.
func New(name Name, minor uint32) *Exception {
	return &Exception{Name: name, Minor: minor, Completed: CompletedNo}
}

// Wrap creates an Exception that records cause, preserving it for
// errors.Cause()/errors.Unwrap() chains the way pkg/errors expects.
func Wrap(name Name, minor uint32, cause error) *Exception {
	return &Exception{Name: name, Minor: minor, Completed: CompletedNo, cause: errors.WithStack(cause)}
}

// Is reports whether err is an Exception with the given name, walking the
// cause chain.
func Is(err error, name Name) bool {
	for err != nil {
		if exc, ok := err.(*Exception); ok {
			if exc.Name == name {
				return true
			}
			err = exc.cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// MinorFromErrno packs a POSIX errno into a minor code, preserving a
// round trip back to the original errno value (spec §7: "system-call
// failures use make_minor_errno(errno) to preserve POSIX error number
// round-trip").
func MinorFromErrno(errno int) uint32 {
	const vmcid = 0x41525400 // "ART\0" vendor minor-code-id, arbitrary but stable
	return uint32(vmcid) | uint32(errno&0xFF)
}

// ErrnoFromMinor extracts the errno previously packed by MinorFromErrno.
func ErrnoFromMinor(minor uint32) int {
	return int(minor & 0xFF)
}

// BindErrorKind enumerates the cause-stack entry kinds used for bind
// failure reporting (ported from BindError.h/.cpp: ERR_MESSAGE,
// ERR_OBJ_NAME, ERR_INTERFACE, ERR_MODULE, ERR_SYSTEM, ERR_UNSUPPORTED).
type BindErrorKind int

const (
	ErrMessage BindErrorKind = iota
	ErrObjName
	ErrInterfaceNotFound
	ErrModuleLoad
	ErrSystem
	ErrUnsupportedPlatform
)

// BindErrorInfo is one frame of a bind failure's cause stack.
type BindErrorInfo struct {
	Kind BindErrorKind
	Text string
	Sys  *Exception
}

// BindError is the domain-level bind failure type: a stack of causes,
// outermost first, as required by §7 ("Bind failures print a cause chain
// (outermost first)").
type BindError struct {
	Stack []BindErrorInfo
}

func (b *BindError) Error() string {
	s := "bind error"
	for _, info := range b.Stack {
		switch info.Kind {
		case ErrMessage:
			s += ": " + info.Text
		case ErrObjName:
			s += ": object " + info.Text
		case ErrInterfaceNotFound:
			s += ": interface not found: " + info.Text
		case ErrModuleLoad:
			s += ": module load failed: " + info.Text
		case ErrSystem:
			if info.Sys != nil {
				s += ": " + info.Sys.Error()
			}
		case ErrUnsupportedPlatform:
			s += ": unsupported platform: " + info.Text
		}
	}
	return s
}

// Push appends a new cause frame.
func (b *BindError) Push(kind BindErrorKind, text string) {
	b.Stack = append(b.Stack, BindErrorInfo{Kind: kind, Text: text})
}

// PushSystem records a system exception as a cause frame.
func (b *BindError) PushSystem(exc *Exception) {
	b.Stack = append(b.Stack, BindErrorInfo{Kind: ErrSystem, Sys: exc})
}

// ThrowMessage mirrors BindError::throw_message: build a single-frame
// bind error carrying a free-text message.
func ThrowMessage(msg string) *BindError {
	return &BindError{Stack: []BindErrorInfo{{Kind: ErrMessage, Text: msg}}}
}

// ThrowInvalidMetadata mirrors BindError::throw_invalid_metadata.
func ThrowInvalidMetadata() *BindError {
	return ThrowMessage("Invalid metadata")
}
