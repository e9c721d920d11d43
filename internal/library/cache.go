// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package library

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Cache is the in-memory view of all releases in the library.
// Readers always receive copies.
type Cache struct {
	store *Store

	mu       sync.RWMutex
	releases map[string]*Release
}

func NewCache(store *Store) *Cache {
	return &Cache{
		store:    store,
		releases: make(map[string]*Release),
	}
}

// Load replaces the cache contents with a full scan of the store.
func (c *Cache) Load(ctx context.Context) error {
	releases, err := c.store.Scan(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]*Release, len(releases))
	for _, release := range releases {
		next[release.Key()] = release
	}

	c.mu.Lock()
	c.releases = next
	c.mu.Unlock()

	log.Debug().Int("releases", len(next)).Msg("library: cache loaded")
	return nil
}

// Get looks up a release by artist id and folder.
func (c *Cache) Get(artistID, folder string) (*Release, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	release, ok := c.releases[ReleaseKey(artistID, folder)]
	if !ok {
		return nil, false
	}
	return release.Clone(), true
}

// All returns every cached release ordered by key.
func (c *Cache) All() []*Release {
	c.mu.RLock()
	out := make([]*Release, 0, len(c.releases))
	for _, release := range c.releases {
		out = append(out, release.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Put stores a release directly. Used by importers and tests.
func (c *Cache) Put(release *Release) {
	if release == nil {
		return
	}
	c.mu.Lock()
	c.releases[release.Key()] = release.Clone()
	c.mu.Unlock()
}

// Reload re-reads a single release from its persisted descriptor.
func (c *Cache) Reload(ctx context.Context, artistID, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := c.store.Load(artistID, folder)
	if err != nil {
		return err
	}
	c.Put(release)
	return nil
}

// SetTrackAvailability updates a track status in the cached copy only.
func (c *Cache) SetTrackAvailability(artistID, folder string, key TrackKey, status TrackStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	release, ok := c.releases[ReleaseKey(artistID, folder)]
	if !ok {
		return false
	}
	return release.SetTrackStatus(key, status)
}
