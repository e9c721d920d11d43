// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/mmsync/internal/dbinterface"
)

// JobMemoOutcome records what the reconciliation poller did with a job.
type JobMemoOutcome string

const (
	JobMemoProcessed   JobMemoOutcome = "processed"
	JobMemoFailedMatch JobMemoOutcome = "failed_match"
)

// JobMemo is the last outcome recorded for an external job name.
type JobMemo struct {
	JobName     string         `json:"jobName"`
	Outcome     JobMemoOutcome `json:"outcome"`
	ProcessedAt time.Time      `json:"processedAt"`
}

// JobMemoStore persists job memos in sqlite.
type JobMemoStore struct {
	db dbinterface.Querier
}

func NewJobMemoStore(db dbinterface.Querier) *JobMemoStore {
	return &JobMemoStore{db: db}
}

// Get returns the memo for jobName, or nil when none is stored.
func (s *JobMemoStore) Get(ctx context.Context, jobName string) (*JobMemo, error) {
	const query = `SELECT job_name, outcome, processed_at FROM job_memo WHERE job_name = ?`

	var (
		memo        JobMemo
		outcome     string
		processedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, jobName).Scan(&memo.JobName, &outcome, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job memo: %w", err)
	}
	memo.Outcome = JobMemoOutcome(outcome)
	memo.ProcessedAt = time.Unix(0, processedAt).UTC()
	return &memo, nil
}

// Upsert stores or replaces the memo for memo.JobName.
func (s *JobMemoStore) Upsert(ctx context.Context, memo *JobMemo) error {
	if memo == nil || memo.JobName == "" {
		return fmt.Errorf("job memo requires a job name")
	}

	const stmt = `INSERT INTO job_memo (job_name, outcome, processed_at)
	VALUES (?, ?, ?)
	ON CONFLICT(job_name) DO UPDATE SET
		outcome = excluded.outcome,
		processed_at = excluded.processed_at`

	if _, err := s.db.ExecContext(ctx, stmt, memo.JobName, string(memo.Outcome), memo.ProcessedAt.UTC().UnixNano()); err != nil {
		return fmt.Errorf("upsert job memo: %w", err)
	}
	return nil
}

// DeleteOlderThan removes memos processed before cutoff.
func (s *JobMemoStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_memo WHERE processed_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune job memos: %w", err)
	}
	return res.RowsAffected()
}
