// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/mmsync/internal/database"
)

func TestJobMemoStore(t *testing.T) {
	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	store := NewJobMemoStore(db)
	ctx := context.Background()

	memo, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, memo)

	first := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, &JobMemo{JobName: "Band - Album", Outcome: JobMemoFailedMatch, ProcessedAt: first}))
	require.NoError(t, store.Upsert(ctx, &JobMemo{JobName: "Band - Album", Outcome: JobMemoProcessed, ProcessedAt: first.Add(time.Hour)}))
	require.NoError(t, store.Upsert(ctx, &JobMemo{JobName: "Old - Job", Outcome: JobMemoProcessed, ProcessedAt: first.Add(-48 * time.Hour)}))

	memo, err = store.Get(ctx, "Band - Album")
	require.NoError(t, err)
	require.NotNil(t, memo)
	assert.Equal(t, JobMemoProcessed, memo.Outcome)
	assert.True(t, first.Add(time.Hour).Equal(memo.ProcessedAt))

	removed, err := store.DeleteOlderThan(ctx, first.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	assert.Error(t, store.Upsert(ctx, &JobMemo{}))
}
