// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/services/finalize"
)

type staticReleases []*library.Release

func (r staticReleases) All() []*library.Release { return r }

type recordingImporter struct {
	mu    sync.Mutex
	calls []Target
	err   error
}

func (r *recordingImporter) Import(_ context.Context, artistID, folder, sourceDir string, _ finalize.Trigger) (finalize.ImportResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Target{ArtistID: artistID, Folder: folder, SourceDir: sourceDir})
	return finalize.ImportResult{}, r.err
}

func (r *recordingImporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"The Band - The Album (2020) [FLAC]", "the band the album 2020 flac"},
		{"Björk_Homogénic", "bjork homogenic"},
		{"  AC/DC   ", "ac dc"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestMapConvention(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		isDir bool
		want  Target
		ok    bool
	}{
		{
			name: "file_below_folder",
			path: "/dl/mmusic/a1/Album/CD1/01.flac",
			want: Target{ArtistID: "a1", Folder: "Album", SourceDir: "/dl/mmusic/a1/Album"},
			ok:   true,
		},
		{
			name:  "folder_itself",
			path:  "/dl/mmusic/a1/Album",
			isDir: true,
			want:  Target{ArtistID: "a1", Folder: "Album", SourceDir: "/dl/mmusic/a1/Album"},
			ok:    true,
		},
		{name: "file_in_artist_dir", path: "/dl/mmusic/a1/01.flac"},
		{name: "no_segment", path: "/dl/Band - Album/01.flac"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MapConvention(filepath.FromSlash(tt.path), tt.isDir)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				tt.want.SourceDir = filepath.FromSlash(tt.want.SourceDir)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMatchFolder(t *testing.T) {
	releases := []*library.Release{
		{ArtistID: "a1", ArtistName: "The Band", FolderName: "The Album", Title: "The Album"},
		{ArtistID: "a2", ArtistName: "The Band", FolderName: "Live", Title: "Live"},
		{ArtistID: "a3", ArtistName: "Other", FolderName: "Thing", Title: "Thing"},
	}

	tests := []struct {
		name   string
		folder string
		want   string
	}{
		{name: "artist_and_title", folder: "The Band - The Album (2020) [FLAC]", want: "a1|The Album"},
		{name: "diacritics_and_punctuation", folder: "the_band.the.álbum", want: "a1|The Album"},
		{name: "artist_only_below_threshold", folder: "The Band - Greatest Hits Collection Deluxe Edition Remaster", want: ""},
		{name: "nothing", folder: "random download", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release, _ := MatchFolder(tt.folder, releases)
			if tt.want == "" {
				assert.Nil(t, release)
				return
			}
			require.NotNil(t, release)
			assert.Equal(t, tt.want, release.Key())
		})
	}
}

func TestEnqueueBoundedAndDeduplicated(t *testing.T) {
	svc := NewService(Config{Root: t.TempDir(), QueueSize: 2}, staticReleases{}, &recordingImporter{}, nil)

	assert.False(t, svc.Enqueue(""))
	assert.True(t, svc.Enqueue("/a.flac"))
	assert.False(t, svc.Enqueue("/a.flac"))
	assert.True(t, svc.Enqueue("/b.flac"))
	assert.False(t, svc.Enqueue("/c.flac"), "full queue drops")

	assert.True(t, svc.DrainOne(context.Background()))
	assert.True(t, svc.Enqueue("/a.flac"), "drained path can be queued again")
}

func TestDrainSkipsNonAudioAndMissing(t *testing.T) {
	root := t.TempDir()
	importer := &recordingImporter{}
	svc := NewService(Config{Root: root}, staticReleases{}, importer, nil)

	writeFile(t, filepath.Join(root, "mmusic", "a1", "Album", "cover.jpg"), "x")
	svc.Enqueue(filepath.Join(root, "mmusic", "a1", "Album", "cover.jpg"))
	svc.Enqueue(filepath.Join(root, "mmusic", "a1", "Album", "gone.flac"))

	assert.True(t, svc.DrainOne(context.Background()))
	assert.True(t, svc.DrainOne(context.Background()))
	assert.False(t, svc.DrainOne(context.Background()))
	assert.Zero(t, importer.count())
}

type pipeline struct {
	downloads string
	cache     *library.Cache
	final     *finalize.Service
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	base := t.TempDir()
	libRoot := filepath.Join(base, "library")
	downloads := filepath.Join(base, "downloads")
	require.NoError(t, os.MkdirAll(downloads, 0o755))

	release := library.Release{
		ArtistID:   "a1",
		ArtistName: "The Band",
		FolderName: "The Album",
		Title:      "The Album",
		Discs: []library.Disc{{DiscNumber: 1, Tracks: []library.Track{
			{TrackNumber: 1, Title: "Intro", Status: library.TrackMissing},
			{TrackNumber: 2, Title: "Song", Status: library.TrackMissing},
		}}},
	}
	data, err := json.Marshal(release)
	require.NoError(t, err)
	writeFile(t, filepath.Join(libRoot, "a1", "The Album", library.DescriptorFileName), string(data))

	store := library.NewStore(libRoot)
	cache := library.NewCache(store)
	require.NoError(t, cache.Load(context.Background()))

	cfg := finalize.DefaultConfig()
	cfg.DownloadsRoot = downloads
	cfg.StabilityWait = 0
	cfg.ReleaseLogs = false
	return &pipeline{
		downloads: downloads,
		cache:     cache,
		final:     finalize.NewService(cfg, nil, cache, store, nil),
	}
}

func TestDrainImportsConventionPath(t *testing.T) {
	p := newPipeline(t)
	source := filepath.Join(p.downloads, "mmusic", "a1", "The Album")
	file := filepath.Join(source, "01 - Intro.flac")
	writeFile(t, file, "intro")

	svc := NewService(Config{Root: p.downloads}, p.cache, p.final, nil)
	require.True(t, svc.Enqueue(file))
	require.True(t, svc.DrainOne(context.Background()))

	release, _ := p.cache.Get("a1", "The Album")
	assert.Equal(t, library.TrackAvailable, release.Discs[0].Tracks[0].Status)
	assert.NoDirExists(t, source, "empty source directory is removed")
	assert.DirExists(t, p.downloads)

	_, ok := svc.LastScan("a1|The Album")
	assert.True(t, ok)
}

func TestDrainImportsFuzzyFolder(t *testing.T) {
	p := newPipeline(t)
	folder := filepath.Join(p.downloads, "The Band - The Album (2020) [FLAC]")
	writeFile(t, filepath.Join(folder, "CD1", "02 - Song.flac"), "song")
	writeFile(t, filepath.Join(folder, "info.nfo"), "nfo")

	svc := NewService(Config{Root: p.downloads}, p.cache, p.final, nil)
	require.True(t, svc.Enqueue(filepath.Join(folder, "CD1", "02 - Song.flac")))
	require.True(t, svc.DrainOne(context.Background()))

	release, _ := p.cache.Get("a1", "The Album")
	assert.Equal(t, library.TrackAvailable, release.Discs[0].Tracks[1].Status)
	assert.DirExists(t, folder, "folder with leftovers is kept")
	assert.NoDirExists(t, filepath.Join(folder, "CD1"))
}

func TestSweepHonoursCooldown(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "mmusic", "a1", "Album", "01.flac"), "1")
	writeFile(t, filepath.Join(root, "Other - Thing", "01.mp3"), "1")
	writeFile(t, filepath.Join(root, "no audio here", "readme.txt"), "1")

	releases := staticReleases{
		{ArtistID: "a3", ArtistName: "Other", FolderName: "Thing", Title: "Thing"},
	}
	importer := &recordingImporter{}
	svc := NewService(Config{Root: root, RescanCooldown: 30 * time.Second}, releases, importer, nil)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	svc.Sweep(context.Background())
	require.Equal(t, 2, importer.count())
	assert.ElementsMatch(t, []string{"a1|Album", "a3|Thing"}, []string{importer.calls[0].Key(), importer.calls[1].Key()})

	now = now.Add(10 * time.Second)
	svc.Sweep(context.Background())
	assert.Equal(t, 2, importer.count())

	now = now.Add(30 * time.Second)
	svc.Sweep(context.Background())
	assert.Equal(t, 4, importer.count())
}

func TestStartPicksUpNewDownloads(t *testing.T) {
	p := newPipeline(t)
	svc := NewService(Config{
		Root:          p.downloads,
		DrainInterval: 10 * time.Millisecond,
		SweepInterval: 50 * time.Millisecond,
	}, p.cache, p.final, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	writeFile(t, filepath.Join(p.downloads, "mmusic", "a1", "The Album", "01 - Intro.flac"), "intro")

	require.Eventually(t, func() bool {
		release, _ := p.cache.Get("a1", "The Album")
		return release.Discs[0].Tracks[0].Status == library.TrackAvailable
	}, 5*time.Second, 20*time.Millisecond)
}
