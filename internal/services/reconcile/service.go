// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reconcile polls the download client's history and finalizes
// releases whose downloads finished without anyone asking.
package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/metrics"
	"github.com/autobrr/mmsync/internal/models"
	"github.com/autobrr/mmsync/internal/sabnzbd"
	"github.com/autobrr/mmsync/internal/services/finalize"
)

const completedStatus = "Completed"

// Config controls the poll cadence and filters.
type Config struct {
	DownloadsRoot       string
	PollInterval        time.Duration
	HistoryLimit        int
	RecencyWindow       time.Duration
	FailedMatchCooldown time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Minute,
		HistoryLimit:        50,
		RecencyWindow:       24 * time.Hour,
		FailedMatchCooldown: time.Hour,
	}
}

// HistoryClient lists recent jobs from the download client.
type HistoryClient interface {
	History(ctx context.Context, limit int) ([]sabnzbd.Slot, error)
}

// Finalizer runs a finalize request to completion.
type Finalizer interface {
	Run(ctx context.Context, req finalize.Request) error
}

// ReleaseLister lists every release in the library cache.
type ReleaseLister interface {
	All() []*library.Release
}

// PollResult summarises a single poll.
type PollResult struct {
	Seen       int `json:"seen"`
	Eligible   int `json:"eligible"`
	Finalized  int `json:"finalized"`
	Unmatched  int `json:"unmatched"`
	Failed     int `json:"failed"`
	NoSource   int `json:"noSource"`
	SkippedOld int `json:"skippedOld"`
	Memoized   int `json:"memoized"`
}

// Service is the history reconciliation poller.
type Service struct {
	cfg       Config
	client    HistoryClient
	finalizer Finalizer
	releases  ReleaseLister
	memos     MemoStore
	metrics   *metrics.Collector
	log       zerolog.Logger

	pollMu   sync.Mutex
	lastMu   sync.RWMutex
	lastPoll PollResult
	lastAt   time.Time

	now func() time.Time
}

// NewService constructs a Service. A nil memo store keeps memos in memory.
func NewService(cfg Config, client HistoryClient, finalizer Finalizer, releases ReleaseLister, memos MemoStore, collector *metrics.Collector) *Service {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	if cfg.FailedMatchCooldown <= 0 {
		cfg.FailedMatchCooldown = def.FailedMatchCooldown
	}
	if memos == nil {
		memos = NewMemoryMemoStore()
	}
	return &Service{
		cfg:       cfg,
		client:    client,
		finalizer: finalizer,
		releases:  releases,
		memos:     memos,
		metrics:   collector,
		log:       log.With().Str("module", "reconcile").Logger(),
		now:       time.Now,
	}
}

// Start launches the background poll loop.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.log.Info().Dur("interval", s.cfg.PollInterval).Int("limit", s.cfg.HistoryLimit).Msg("reconcile: started")
	go func() {
		s.Poll(ctx)
		s.loop(ctx)
	}()
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// LastPoll returns the result and time of the most recent poll.
func (s *Service) LastPoll() (PollResult, time.Time) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastPoll, s.lastAt
}

// Poll fetches recent history once and finalizes matching releases.
func (s *Service) Poll(ctx context.Context) (result PollResult) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	now := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("reconcile: recovered from panic")
		}
		s.metrics.ReconcilePolled(now)
		s.lastMu.Lock()
		s.lastPoll = result
		s.lastAt = now
		s.lastMu.Unlock()
	}()

	slots, err := s.client.History(ctx, s.cfg.HistoryLimit)
	if err != nil {
		s.log.Warn().Err(err).Msg("reconcile: failed to fetch history")
		return result
	}
	result.Seen = len(slots)

	if _, err := s.memos.DeleteOlderThan(ctx, now.Add(-(s.cfg.RecencyWindow + s.cfg.FailedMatchCooldown))); err != nil {
		s.log.Debug().Err(err).Msg("reconcile: failed to prune memos")
	}

	for _, slot := range slots {
		if ctx.Err() != nil {
			return result
		}
		s.processSlot(ctx, slot, now, &result)
	}

	if result.Eligible > 0 {
		s.log.Info().
			Int("seen", result.Seen).
			Int("eligible", result.Eligible).
			Int("finalized", result.Finalized).
			Int("unmatched", result.Unmatched).
			Int("failed", result.Failed).
			Msg("reconcile: poll finished")
	}
	return result
}

func (s *Service) processSlot(ctx context.Context, slot sabnzbd.Slot, now time.Time, result *PollResult) {
	name := slot.DisplayName()
	if name == "" || slot.Status != completedStatus {
		return
	}

	completed := slot.Completed.Time
	if completed.IsZero() || now.Sub(completed) > s.cfg.RecencyWindow {
		result.SkippedOld++
		return
	}

	memo, err := s.memos.Get(ctx, name)
	if err != nil {
		s.log.Warn().Err(err).Str("job", name).Msg("reconcile: failed to read memo")
	}
	if memo != nil {
		switch memo.Outcome {
		case models.JobMemoProcessed:
			if !memo.ProcessedAt.Before(completed) {
				result.Memoized++
				return
			}
		case models.JobMemoFailedMatch:
			if now.Sub(memo.ProcessedAt) < s.cfg.FailedMatchCooldown {
				result.Memoized++
				return
			}
		}
	}
	result.Eligible++

	release := MatchJob(name, missingReleases(s.releases.All()))
	if release == nil {
		s.log.Debug().Str("job", name).Msg("reconcile: no missing release matches job")
		result.Unmatched++
		s.metrics.ReconcileJob("unmatched")
		s.remember(ctx, name, models.JobMemoFailedMatch, now)
		return
	}

	source := s.findSource(slot, release)
	if source == "" {
		s.log.Info().Str("job", name).Str("release", release.Key()).Msg("reconcile: no download directory found for matched job")
		result.NoSource++
		s.metrics.ReconcileJob("no_source")
		s.remember(ctx, name, models.JobMemoFailedMatch, now)
		return
	}

	logger := s.log.With().Str("job", name).Str("release", release.Key()).Str("source", source).Logger()
	logger.Info().Msg("reconcile: finalizing completed job")

	err = s.finalizer.Run(ctx, finalize.Request{
		ArtistID:   release.ArtistID,
		Folder:     release.FolderName,
		SourceHint: source,
		JobName:    name,
		Trigger:    finalize.TriggerReconcile,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("reconcile: finalize failed")
		result.Failed++
		s.metrics.ReconcileJob("failed")
		s.remember(ctx, name, models.JobMemoFailedMatch, s.now())
		return
	}

	result.Finalized++
	s.metrics.ReconcileJob("finalized")
	s.remember(ctx, name, models.JobMemoProcessed, s.now())
}

func (s *Service) remember(ctx context.Context, jobName string, outcome models.JobMemoOutcome, at time.Time) {
	if err := s.memos.Upsert(ctx, &models.JobMemo{JobName: jobName, Outcome: outcome, ProcessedAt: at}); err != nil {
		s.log.Warn().Err(err).Str("job", jobName).Msg("reconcile: failed to store memo")
	}
}

// findSource returns the first existing download directory for a release:
// the job's storage path, then mmusic/<artist>/<folder>, <artist>/<folder>
// and <folder> under the downloads root. Empty means none exist.
func (s *Service) findSource(slot sabnzbd.Slot, release *library.Release) string {
	var candidates []string
	if storage := strings.TrimSpace(slot.Storage); storage != "" {
		candidates = append(candidates, storage)
	}
	if root := s.cfg.DownloadsRoot; root != "" {
		candidates = append(candidates,
			filepath.Join(root, "mmusic", release.ArtistID, release.FolderName),
			filepath.Join(root, release.ArtistID, release.FolderName),
			filepath.Join(root, release.FolderName),
		)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
	}
	return ""
}
