// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/autobrr/mmsync/internal/models"
)

// MemoStore remembers what happened to each history job.
type MemoStore interface {
	Get(ctx context.Context, jobName string) (*models.JobMemo, error)
	Upsert(ctx context.Context, memo *models.JobMemo) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryMemoStore keeps memos for the lifetime of the process.
type MemoryMemoStore struct {
	mu    sync.RWMutex
	memos map[string]models.JobMemo
}

func NewMemoryMemoStore() *MemoryMemoStore {
	return &MemoryMemoStore{memos: make(map[string]models.JobMemo)}
}

func (m *MemoryMemoStore) Get(_ context.Context, jobName string) (*models.JobMemo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	memo, ok := m.memos[jobName]
	if !ok {
		return nil, nil
	}
	return &memo, nil
}

func (m *MemoryMemoStore) Upsert(_ context.Context, memo *models.JobMemo) error {
	if memo == nil {
		return nil
	}
	m.mu.Lock()
	m.memos[memo.JobName] = *memo
	m.mu.Unlock()
	return nil
}

func (m *MemoryMemoStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for name, memo := range m.memos {
		if memo.ProcessedAt.Before(cutoff) {
			delete(m.memos, name)
			removed++
		}
	}
	return removed, nil
}
