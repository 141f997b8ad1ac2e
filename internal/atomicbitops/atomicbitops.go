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

// Package atomicbitops wraps sync/atomic to provide fixed-width,
// CAS-loop-friendly counters and bitmap words. No other package of this
// module imports it; they use sync/atomic directly.
package atomicbitops

import "sync/atomic"

// Uint16 is an atomically accessed uint16, stored in a uint32 word.
type Uint16 struct {
	v uint32
}

func (u *Uint16) Load() uint16 { return uint16(atomic.LoadUint32(&u.v)) }

func (u *Uint16) Store(val uint16) { atomic.StoreUint32(&u.v, uint32(val)) }

// CompareAndSwap reports whether the swap took place.
func (u *Uint16) CompareAndSwap(old, new uint16) bool {
	return atomic.CompareAndSwapUint32(&u.v, uint32(old), uint32(new))
}

// Word is a machine-word-sized atomic bitmap word, analogous to
// BitmapOps::BitmapWord in the original C++ source.
type Word struct {
	v uint64
}

func (w *Word) Load() uint64 { return atomic.LoadUint64(&w.v) }

func (w *Word) Store(val uint64) { atomic.StoreUint64(&w.v, val) }

func (w *Word) CompareAndSwap(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&w.v, old, new)
}

// Int32 is an atomically accessed int32.
type Int32 struct {
	v int32
}

func (i *Int32) Load() int32 { return atomic.LoadInt32(&i.v) }

func (i *Int32) Add(delta int32) int32 { return atomic.AddInt32(&i.v, delta) }

func (i *Int32) CompareAndSwap(old, new int32) bool {
	return atomic.CompareAndSwapInt32(&i.v, old, new)
}

// Uint32 is an atomically accessed uint32.
type Uint32 struct {
	v uint32
}

func (u *Uint32) Load() uint32 { return atomic.LoadUint32(&u.v) }

func (u *Uint32) Add(delta uint32) uint32 { return atomic.AddUint32(&u.v, delta) }

func (u *Uint32) CompareAndSwap(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&u.v, old, new)
}
