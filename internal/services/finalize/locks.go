// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package finalize

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/autobrr/mmsync/internal/library"
)

const defaultLockStripes = 64

// ReleaseLocks serialises migration and metadata updates per release. Keys are
// spread over a fixed set of mutexes so memory stays bounded.
type ReleaseLocks struct {
	stripes []sync.Mutex
}

func NewReleaseLocks(stripes int) *ReleaseLocks {
	if stripes <= 0 {
		stripes = defaultLockStripes
	}
	return &ReleaseLocks{stripes: make([]sync.Mutex, stripes)}
}

func (l *ReleaseLocks) stripe(artistID, folder string) *sync.Mutex {
	sum := xxhash.Sum64String(library.ReleaseKey(artistID, folder))
	return &l.stripes[sum%uint64(len(l.stripes))]
}

// Lock acquires the lock for a release and returns its unlock func.
func (l *ReleaseLocks) Lock(artistID, folder string) func() {
	mu := l.stripe(artistID, folder)
	mu.Lock()
	return mu.Unlock
}
