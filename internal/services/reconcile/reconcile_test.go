// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/mmsync/internal/database"
	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/models"
	"github.com/autobrr/mmsync/internal/sabnzbd"
	"github.com/autobrr/mmsync/internal/services/finalize"
)

type fakeHistory struct {
	slots []sabnzbd.Slot
	err   error
	limit int
}

func (f *fakeHistory) History(_ context.Context, limit int) ([]sabnzbd.Slot, error) {
	f.limit = limit
	return f.slots, f.err
}

type fakeFinalizer struct {
	mu       sync.Mutex
	requests []finalize.Request
	err      error
}

func (f *fakeFinalizer) Run(_ context.Context, req finalize.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

type staticReleases []*library.Release

func (r staticReleases) All() []*library.Release { return r }

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func slot(name, status string, completed time.Time) sabnzbd.Slot {
	return sabnzbd.Slot{Name: name, Status: status, Completed: sabnzbd.CompletedTime{Time: completed}}
}

func missingRelease(artistID, folder string) *library.Release {
	return &library.Release{
		ArtistID:   artistID,
		FolderName: folder,
		Tracks:     []library.Track{{DiscNumber: 1, TrackNumber: 1, Status: library.TrackMissing}},
	}
}

// downloadsRoot returns a downloads root holding <folder> for a release.
func downloadsRoot(t *testing.T, folder string) (string, string) {
	t.Helper()
	root := t.TempDir()
	source := filepath.Join(root, folder)
	require.NoError(t, os.MkdirAll(source, 0o755))
	return root, source
}

func TestMatchJob(t *testing.T) {
	both := missingRelease("artist-1", "Album")
	folderOnly := missingRelease("artist-2", "Album")
	artistOnly := missingRelease("artist-1", "Other")

	tests := []struct {
		name     string
		job      string
		releases []*library.Release
		want     *library.Release
	}{
		{name: "both_beats_partial_regardless_of_order", job: "ARTIST-1 - album [FLAC]", releases: []*library.Release{folderOnly, artistOnly, both}, want: both},
		{name: "first_partial", job: "Something - Album", releases: []*library.Release{artistOnly, folderOnly}, want: folderOnly},
		{name: "no_match", job: "Unrelated", releases: []*library.Release{both}, want: nil},
		{name: "empty_job", job: "", releases: []*library.Release{both}, want: nil},
		{name: "empty_fields_never_match", job: "x", releases: []*library.Release{{}}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, tt.want, MatchJob(tt.job, tt.releases))
		})
	}
}

func TestPollFinalizesRecentCompletedJobs(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "mmusic", "artist-1", "Album")
	require.NoError(t, os.MkdirAll(source, 0o755))

	available := &library.Release{
		ArtistID:   "artist-3",
		FolderName: "Done",
		Tracks:     []library.Track{{DiscNumber: 1, TrackNumber: 1, Status: library.TrackAvailable, AudioFilePath: "./01.flac"}},
	}
	releases := staticReleases{missingRelease("artist-1", "Album"), available}

	history := &fakeHistory{slots: []sabnzbd.Slot{
		slot("artist-1 - Album", "Completed", testNow.Add(-time.Hour)),
		slot("artist-1 - Album old", "Completed", testNow.Add(-48*time.Hour)),
		slot("artist-1 - Album failed", "Failed", testNow.Add(-time.Hour)),
		slot("artist-1 - Album lower", "completed", testNow.Add(-time.Hour)),
		slot("artist-3 - Done", "Completed", testNow.Add(-time.Hour)),
	}}
	finalizer := &fakeFinalizer{}

	svc := NewService(Config{DownloadsRoot: root}, history, finalizer, releases, nil, nil)
	svc.now = func() time.Time { return testNow }

	result := svc.Poll(context.Background())
	assert.Equal(t, 50, history.limit)
	assert.Equal(t, 5, result.Seen)
	assert.Equal(t, 2, result.Eligible)
	assert.Equal(t, 1, result.Finalized)
	assert.Equal(t, 1, result.Unmatched, "releases with available tracks are not candidates")

	require.Len(t, finalizer.requests, 1)
	req := finalizer.requests[0]
	assert.Equal(t, "artist-1", req.ArtistID)
	assert.Equal(t, "Album", req.Folder)
	assert.Equal(t, source, req.SourceHint)
	assert.Equal(t, "artist-1 - Album", req.JobName)
	assert.Equal(t, finalize.TriggerReconcile, req.Trigger)

	// Processed after completion: skipped on the next poll.
	result = svc.Poll(context.Background())
	assert.Equal(t, 0, result.Eligible)
	assert.Len(t, finalizer.requests, 1)
}

func TestPollReprocessesWhenJobCompletesAgain(t *testing.T) {
	releases := staticReleases{missingRelease("artist-1", "Album")}
	history := &fakeHistory{slots: []sabnzbd.Slot{slot("artist-1 - Album", "Completed", testNow.Add(-time.Hour))}}
	finalizer := &fakeFinalizer{}
	memos := NewMemoryMemoStore()
	root, _ := downloadsRoot(t, "Album")

	svc := NewService(Config{DownloadsRoot: root}, history, finalizer, releases, memos, nil)
	now := testNow
	svc.now = func() time.Time { return now }

	svc.Poll(context.Background())
	require.Len(t, finalizer.requests, 1)

	now = now.Add(2 * time.Hour)
	history.slots = []sabnzbd.Slot{slot("artist-1 - Album", "Completed", now.Add(-time.Minute))}
	svc.Poll(context.Background())
	assert.Len(t, finalizer.requests, 2)
}

func TestPollFailedMatchCooldown(t *testing.T) {
	history := &fakeHistory{slots: []sabnzbd.Slot{slot("nobody - nothing", "Completed", testNow.Add(-time.Minute))}}
	finalizer := &fakeFinalizer{}
	memos := NewMemoryMemoStore()

	svc := NewService(Config{}, history, finalizer, staticReleases{}, memos, nil)
	now := testNow
	svc.now = func() time.Time { return now }

	result := svc.Poll(context.Background())
	assert.Equal(t, 1, result.Unmatched)

	memo, err := memos.Get(context.Background(), "nobody - nothing")
	require.NoError(t, err)
	require.NotNil(t, memo)
	assert.Equal(t, models.JobMemoFailedMatch, memo.Outcome)

	now = now.Add(30 * time.Minute)
	result = svc.Poll(context.Background())
	assert.Equal(t, 1, result.Memoized)
	assert.Equal(t, 0, result.Eligible)

	now = now.Add(31 * time.Minute)
	result = svc.Poll(context.Background())
	assert.Equal(t, 1, result.Eligible)
}

func TestPollFinalizeFailureUsesCooldown(t *testing.T) {
	releases := staticReleases{missingRelease("artist-1", "Album")}
	history := &fakeHistory{slots: []sabnzbd.Slot{slot("artist-1 - Album", "Completed", testNow.Add(-time.Minute))}}
	finalizer := &fakeFinalizer{err: finalize.ErrNoAudioFiles}
	root, source := downloadsRoot(t, "Album")

	svc := NewService(Config{DownloadsRoot: root}, history, finalizer, releases, nil, nil)
	svc.now = func() time.Time { return testNow }

	result := svc.Poll(context.Background())
	assert.Equal(t, 1, result.Failed)
	require.Len(t, finalizer.requests, 1)
	assert.Equal(t, source, finalizer.requests[0].SourceHint)

	result = svc.Poll(context.Background())
	assert.Equal(t, 1, result.Memoized)
	assert.Len(t, finalizer.requests, 1)
}

func TestPollSkipsMatchedJobWithoutSource(t *testing.T) {
	releases := staticReleases{missingRelease("artist-1", "Album")}
	history := &fakeHistory{slots: []sabnzbd.Slot{
		slot("artist-1 - Album", "Completed", testNow.Add(-time.Minute)),
	}}
	history.slots[0].Storage = filepath.Join(t.TempDir(), "gone")
	finalizer := &fakeFinalizer{}
	memos := NewMemoryMemoStore()

	svc := NewService(Config{DownloadsRoot: t.TempDir()}, history, finalizer, releases, memos, nil)
	now := testNow
	svc.now = func() time.Time { return now }

	result := svc.Poll(context.Background())
	assert.Equal(t, 1, result.Eligible)
	assert.Equal(t, 1, result.NoSource)
	assert.Zero(t, result.Failed)
	assert.Empty(t, finalizer.requests)

	memo, err := memos.Get(context.Background(), "artist-1 - Album")
	require.NoError(t, err)
	require.NotNil(t, memo)
	assert.Equal(t, models.JobMemoFailedMatch, memo.Outcome)

	now = now.Add(30 * time.Minute)
	result = svc.Poll(context.Background())
	assert.Equal(t, 1, result.Memoized)
	assert.Empty(t, finalizer.requests)
}

func TestPollHistoryError(t *testing.T) {
	svc := NewService(Config{}, &fakeHistory{err: errors.New("boom")}, &fakeFinalizer{}, staticReleases{}, nil, nil)
	svc.now = func() time.Time { return testNow }

	result := svc.Poll(context.Background())
	assert.Zero(t, result.Seen)

	_, at := svc.LastPoll()
	assert.Equal(t, testNow, at)
}

func TestFindSourceOrder(t *testing.T) {
	root := t.TempDir()
	release := missingRelease("artist-1", "Album")
	svc := NewService(Config{DownloadsRoot: root}, nil, nil, nil, nil, nil)

	assert.Empty(t, svc.findSource(sabnzbd.Slot{}, release))

	flat := filepath.Join(root, "Album")
	require.NoError(t, os.MkdirAll(flat, 0o755))
	assert.Equal(t, flat, svc.findSource(sabnzbd.Slot{}, release))

	byArtist := filepath.Join(root, "artist-1", "Album")
	require.NoError(t, os.MkdirAll(byArtist, 0o755))
	assert.Equal(t, byArtist, svc.findSource(sabnzbd.Slot{}, release))

	storage := filepath.Join(root, "complete", "artist-1 - Album")
	require.NoError(t, os.MkdirAll(storage, 0o755))
	assert.Equal(t, storage, svc.findSource(sabnzbd.Slot{Storage: storage}, release))
}

func TestMemoryMemoStorePrune(t *testing.T) {
	store := NewMemoryMemoStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &models.JobMemo{JobName: "old", ProcessedAt: testNow.Add(-time.Hour)}))
	require.NoError(t, store.Upsert(ctx, &models.JobMemo{JobName: "new", ProcessedAt: testNow}))

	removed, err := store.DeleteOlderThan(ctx, testNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	memo, _ := store.Get(ctx, "old")
	assert.Nil(t, memo)
}

func TestPollWithPersistentMemos(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "mmsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	releases := staticReleases{missingRelease("artist-1", "Album")}
	history := &fakeHistory{slots: []sabnzbd.Slot{slot("artist-1 - Album", "Completed", testNow.Add(-time.Hour))}}
	finalizer := &fakeFinalizer{}
	memos := models.NewJobMemoStore(db)
	root, _ := downloadsRoot(t, "Album")

	svc := NewService(Config{DownloadsRoot: root}, history, finalizer, releases, memos, nil)
	svc.now = func() time.Time { return testNow }
	svc.Poll(context.Background())
	require.Len(t, finalizer.requests, 1)

	// A fresh service over the same store sees the memo.
	restarted := NewService(Config{DownloadsRoot: root}, history, finalizer, releases, models.NewJobMemoStore(db), nil)
	restarted.now = func() time.Time { return testNow.Add(time.Minute) }
	result := restarted.Poll(context.Background())
	assert.Equal(t, 1, result.Memoized)
	assert.Len(t, finalizer.requests, 1)
}
