// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package finalize

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/tracknum"
)

// LibraryCache is the in-memory release view the finalize pipeline reads.
type LibraryCache interface {
	Get(artistID, folder string) (*library.Release, bool)
	All() []*library.Release
	Reload(ctx context.Context, artistID, folder string) error
	SetTrackAvailability(artistID, folder string, key library.TrackKey, status library.TrackStatus) bool
}

// MetadataWriter persists release descriptors.
type MetadataWriter interface {
	UpdateRelease(ctx context.Context, artistID, folder string, fn func(*library.Release) error) (*library.Release, error)
}

// Updater rewrites a release's track list from the audio files present in
// its directory and refreshes the cache.
type Updater struct {
	cache  LibraryCache
	writer MetadataWriter
}

func NewUpdater(cache LibraryCache, writer MetadataWriter) *Updater {
	return &Updater{cache: cache, writer: writer}
}

// ResolveTrackFiles maps every audio file in dir to its (disc, track) key.
// Files are visited in case-insensitive name order and the first file for a
// key wins.
func ResolveTrackFiles(dir string) (map[library.TrackKey]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read release directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !library.IsAudioFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.SliceStable(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	files := make(map[library.TrackKey]string, len(names))
	for _, name := range names {
		disc, track, ok := tracknum.Infer(name)
		if !ok {
			continue
		}
		key := library.TrackKey{Disc: disc, Track: track}
		if _, taken := files[key]; taken {
			continue
		}
		files[key] = name
	}
	return files, nil
}

// Apply marks every track with a matching file as available, persists the
// descriptor, reloads it into the cache and returns the keys that were set.
func (u *Updater) Apply(ctx context.Context, release *library.Release, logger *zerolog.Logger) ([]library.TrackKey, error) {
	l := log.Logger
	if logger != nil {
		l = *logger
	}

	files, err := ResolveTrackFiles(release.Path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		l.Debug().Str("release", release.Key()).Msg("finalize: no track numbers resolved from files")
		return nil, nil
	}

	var applied []library.TrackKey
	_, err = u.writer.UpdateRelease(ctx, release.ArtistID, release.FolderName, func(r *library.Release) error {
		applied = r.ApplyFiles(files)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist release metadata: %w", err)
	}

	if err := u.cache.Reload(ctx, release.ArtistID, release.FolderName); err != nil {
		l.Warn().Err(err).Str("release", release.Key()).Msg("finalize: failed to reload release into cache")
	}
	for _, key := range applied {
		u.cache.SetTrackAvailability(release.ArtistID, release.FolderName, key, library.TrackAvailable)
	}

	sort.Slice(applied, func(i, j int) bool {
		if applied[i].Disc != applied[j].Disc {
			return applied[i].Disc < applied[j].Disc
		}
		return applied[i].Track < applied[j].Track
	})

	l.Info().Int("tracks", len(applied)).Int("files", len(files)).Str("release", release.Key()).Msg("finalize: metadata updated")
	return applied, nil
}
