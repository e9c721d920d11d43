// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrReleaseNotFound = errors.New("release not found")

// Store reads and writes release descriptors under
// <root>/<artistId>/<releaseFolder>/release.json.
type Store struct {
	root string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// Root returns the library root directory.
func (s *Store) Root() string {
	return s.root
}

// ReleaseDir returns the directory for a release.
func (s *Store) ReleaseDir(artistID, folder string) string {
	return filepath.Join(s.root, artistID, folder)
}

func (s *Store) descriptorPath(artistID, folder string) string {
	return filepath.Join(s.ReleaseDir(artistID, folder), DescriptorFileName)
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

// Load reads a single release descriptor from disk.
func (s *Store) Load(artistID, folder string) (*Release, error) {
	path := s.descriptorPath(artistID, folder)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrReleaseNotFound, artistID, folder)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var release Release
	if err := json.Unmarshal(data, &release); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if release.ArtistID == "" {
		release.ArtistID = artistID
	}
	if release.FolderName == "" {
		release.FolderName = folder
	}
	release.Path = s.ReleaseDir(artistID, folder)
	return &release, nil
}

// UpdateRelease performs an atomic read-modify-write of a release descriptor.
// The descriptor is written to a temporary file and renamed into place.
func (s *Store) UpdateRelease(ctx context.Context, artistID, folder string, fn func(*Release) error) (*Release, error) {
	lock := s.lockFor(ReleaseKey(artistID, folder))
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release, err := s.Load(artistID, folder)
	if err != nil {
		return nil, err
	}

	if err := fn(release); err != nil {
		return nil, err
	}

	if err := s.write(release); err != nil {
		return nil, err
	}
	return release, nil
}

func (s *Store) write(release *Release) error {
	path := s.descriptorPath(release.ArtistID, release.FolderName)

	data, err := json.MarshalIndent(release, "", "  ")
	if err != nil {
		return fmt.Errorf("encode release: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".release-*.json")
	if err != nil {
		return fmt.Errorf("create temp descriptor: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp descriptor: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace descriptor: %w", err)
	}
	return nil
}

// Scan loads every descriptor found two levels below the root.
// Unreadable descriptors are logged and skipped.
func (s *Store) Scan(ctx context.Context) ([]*Release, error) {
	artists, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read library root: %w", err)
	}

	var releases []*Release
	for _, artist := range artists {
		if !artist.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		folders, err := os.ReadDir(filepath.Join(s.root, artist.Name()))
		if err != nil {
			log.Warn().Err(err).Str("artistId", artist.Name()).Msg("library: failed to read artist directory")
			continue
		}
		for _, folder := range folders {
			if !folder.IsDir() {
				continue
			}
			release, err := s.Load(artist.Name(), folder.Name())
			if err != nil {
				if !errors.Is(err, ErrReleaseNotFound) {
					log.Warn().Err(err).Str("artistId", artist.Name()).Str("folder", folder.Name()).Msg("library: skipping unreadable release")
				}
				continue
			}
			releases = append(releases, release)
		}
	}
	return releases, nil
}
