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

package fileaccess

import (
	"context"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryInterval = 5 * time.Millisecond

// ExclusiveHostLock takes an OS-level advisory lock on path, the
// guard a real host port uses to keep two Nirvana processes from
// opening the same backing file for direct I/O at once; LockRanges
// above only arbitrates between proxies within this process.
type ExclusiveHostLock struct {
	fl *flock.Flock
}

// NewExclusiveHostLock opens (without yet locking) the OS lock file
// for path.
func NewExclusiveHostLock(path string) *ExclusiveHostLock {
	return &ExclusiveHostLock{fl: flock.New(path)}
}

// TryLock attempts to acquire the OS lock without blocking, reporting
// whether it succeeded.
func (l *ExclusiveHostLock) TryLock(ctx context.Context) (bool, error) {
	return l.fl.TryLockContext(ctx, lockRetryInterval)
}

// Unlock releases the OS lock.
func (l *ExclusiveHostLock) Unlock() error { return l.fl.Unlock() }
