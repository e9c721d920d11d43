// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package finalize moves completed downloads into the library and marks the
// matching tracks available.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/metrics"
)

var (
	ErrReleaseNotFound      = library.ErrReleaseNotFound
	ErrJobIncomplete        = errors.New("download still processing or inaccessible")
	ErrReleasePathMissing   = errors.New("release has no library path")
	ErrDownloadsRootMissing = errors.New("completed downloads directory does not exist")
)

// mmusicDir is the subtree the download client uses for path-override submissions.
const mmusicDir = "mmusic"

// JobClient is the part of the download client the orchestrator polls.
type JobClient interface {
	IsJobComplete(ctx context.Context, jobName string) bool
	GetJobStatus(ctx context.Context, jobName string) (string, error)
}

// RetryPolicy bounds how often job completion is checked.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Interval: 15 * time.Second}
}

// Config controls the orchestrator.
type Config struct {
	DownloadsRoot string
	Retry         RetryPolicy
	StabilityWait time.Duration
	HistorySize   int
	LockStripes   int
	// ReleaseLogs mirrors every run into a log file inside the release folder.
	ReleaseLogs bool
	// LogWriter is the process log output the release log is mirrored next to.
	LogWriter io.Writer
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		Retry:         DefaultRetryPolicy(),
		StabilityWait: defaultStabilityWait,
		HistorySize:   defaultHistorySize,
		LockStripes:   defaultLockStripes,
		ReleaseLogs:   true,
		LogWriter:     os.Stderr,
	}
}

// Trigger names what started a run.
type Trigger string

const (
	TriggerManual    Trigger = "finalize"
	TriggerWatcher   Trigger = "watcher"
	TriggerSweep     Trigger = "sweep"
	TriggerReconcile Trigger = "reconcile"
	TriggerAPI       Trigger = "api"
)

// Request describes one finalize run.
type Request struct {
	ArtistID string
	Folder   string
	// SourceHint is a directory to import from when it exists.
	SourceHint string
	// JobName overrides the job name derived from the release.
	JobName string
	Trigger Trigger
}

// ImportResult summarises one migration+metadata pass.
type ImportResult struct {
	Moved      []string           `json:"moved"`
	Skipped    []string           `json:"skipped"`
	Tracks     []library.TrackKey `json:"tracks"`
	BytesMoved int64              `json:"bytesMoved"`
}

// ActivityOutcome describes a high-level outcome for a run.
type ActivityOutcome string

const (
	ActivityOutcomeSkipped   ActivityOutcome = "skipped"
	ActivityOutcomeFailed    ActivityOutcome = "failed"
	ActivityOutcomeSucceeded ActivityOutcome = "succeeded"
)

// ActivityEvent records a single finalize or import outcome.
type ActivityEvent struct {
	RunID     string          `json:"runId"`
	ArtistID  string          `json:"artistId"`
	Folder    string          `json:"folder"`
	JobName   string          `json:"jobName,omitempty"`
	Trigger   Trigger         `json:"trigger"`
	Outcome   ActivityOutcome `json:"outcome"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts,omitempty"`
	Moved     int             `json:"moved"`
	Tracks    int             `json:"tracks"`
	Timestamp time.Time       `json:"timestamp"`
}

const defaultHistorySize = 100

// Service resolves finished downloads for a release and imports them.
type Service struct {
	cfg     Config
	cfgMu   sync.RWMutex
	client  JobClient
	cache   LibraryCache
	updater *Updater
	locks   *ReleaseLocks
	metrics *metrics.Collector
	group   singleflight.Group

	ctxMu   sync.RWMutex
	baseCtx context.Context

	now      func() time.Time
	spawn    func(func())
	newRunID func() string
	sampled  func()

	history    []ActivityEvent
	historyMu  sync.RWMutex
	historyCap int
}

// NewService constructs a Service. collector may be nil.
func NewService(cfg Config, client JobClient, cache LibraryCache, writer MetadataWriter, collector *metrics.Collector) *Service {
	cfg = withDefaults(cfg)
	svc := &Service{
		cfg:        cfg,
		client:     client,
		cache:      cache,
		updater:    NewUpdater(cache, writer),
		locks:      NewReleaseLocks(cfg.LockStripes),
		metrics:    collector,
		historyCap: cfg.HistorySize,
	}
	svc.now = time.Now
	svc.spawn = func(fn func()) { go fn() }
	svc.newRunID = func() string { return uuid.NewString() }
	return svc
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.Interval < 0 {
		cfg.Retry.Interval = def.Retry.Interval
	}
	if cfg.StabilityWait < 0 {
		cfg.StabilityWait = def.StabilityWait
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = def.LockStripes
	}
	if cfg.LogWriter == nil {
		cfg.LogWriter = def.LogWriter
	}
	return cfg
}

// Start records the context used by asynchronous runs.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.ctxMu.Lock()
	s.baseCtx = ctx
	s.ctxMu.Unlock()
}

func (s *Service) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Reconfigure swaps the downloads root, retry policy, stability wait and
// release log setting. Lock striping and history size are fixed.
func (s *Service) Reconfigure(cfg Config) {
	cfg = withDefaults(cfg)
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	cfg.HistorySize = s.cfg.HistorySize
	cfg.LockStripes = s.cfg.LockStripes
	s.cfg = cfg
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Finalize waits for the release's download to complete and imports it.
func (s *Service) Finalize(ctx context.Context, artistID, folder string) error {
	return s.Run(ctx, Request{ArtistID: artistID, Folder: folder, Trigger: TriggerManual})
}

// FinalizeAsync runs a request on its own goroutine. Concurrent requests for
// the same release share a single run.
func (s *Service) FinalizeAsync(req Request) <-chan error {
	ch := make(chan error, 1)
	key := library.ReleaseKey(req.ArtistID, req.Folder)
	ctx := s.baseContext()

	s.spawn(func() {
		_, err, shared := s.group.Do(key, func() (any, error) {
			return nil, s.Run(ctx, req)
		})
		if shared {
			log.Debug().Str("release", key).Msg("finalize: joined in-flight run")
		}
		ch <- err
		close(ch)
	})
	return ch
}

// Run executes one finalize request.
func (s *Service) Run(ctx context.Context, req Request) (err error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	runID := s.newRunID()
	start := s.currentTime()
	logger := log.With().
		Str("module", "finalize").
		Str("run", runID).
		Str("artistId", req.ArtistID).
		Str("folder", req.Folder).
		Logger()

	attempts := 0
	var result ImportResult
	var jobName string

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("finalize: recovered from panic")
			err = fmt.Errorf("finalize panic: %v", r)
		}
		s.finishRun(runID, req, jobName, attempts, result, err, start)
	}()

	cfg := s.config()

	root, err := resolveDownloadsRoot(cfg.DownloadsRoot)
	if err != nil {
		logger.Error().Err(err).Str("root", cfg.DownloadsRoot).Msg("finalize: cannot resolve downloads directory")
		return err
	}

	release, ok := s.cache.Get(req.ArtistID, req.Folder)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrReleaseNotFound, library.ReleaseKey(req.ArtistID, req.Folder))
		logger.Error().Err(err).Msg("finalize: release not in library")
		return err
	}

	if cfg.ReleaseLogs && release.Path != "" {
		releaseLogger, closer := library.OpenReleaseLog(logger, cfg.LogWriter, release.Path)
		defer closer.Close()
		logger = releaseLogger
	}

	s.metrics.FinalizeStarted()
	defer s.metrics.FinalizeFinished()

	jobName = req.JobName
	if jobName == "" {
		jobName = expectedJobName(root, release)
	}

	logger.Info().Str("job", jobName).Str("trigger", string(req.Trigger)).Msg("finalize: waiting for download to complete")

	completed := false
	var importErr error
	errPending := errors.New("job not complete")

	_ = retry.Do(
		func() error {
			attempts++
			if !s.client.IsJobComplete(ctx, jobName) {
				ev := logger.Info().Int("attempt", attempts).Int("maxAttempts", cfg.Retry.MaxAttempts).Str("job", jobName)
				if status, statusErr := s.client.GetJobStatus(ctx, jobName); statusErr != nil {
					ev = ev.AnErr("statusErr", statusErr)
				} else {
					ev = ev.Str("status", status)
				}
				ev.Msg("finalize: job not complete yet")
				return errPending
			}

			completed = true
			source := resolveSource(root, release, req.SourceHint, &logger)
			logger.Info().Str("source", source).Msg("finalize: job complete, importing")
			result, importErr = s.importRelease(ctx, release, source, cfg, &logger)
			if importErr != nil {
				return retry.Unrecoverable(importErr)
			}
			return nil
		},
		retry.Attempts(uint(cfg.Retry.MaxAttempts)),
		retry.Delay(cfg.Retry.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	switch {
	case completed:
		if importErr != nil {
			logger.Error().Err(importErr).Msg("finalize: import failed")
		}
		return importErr
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		err = fmt.Errorf("%w: %q after %d checks", ErrJobIncomplete, jobName, attempts)
		logger.Warn().Err(err).Msg("finalize: giving up")
		return err
	}
}

// Import migrates sourceDir into a cached release and updates its metadata.
func (s *Service) Import(ctx context.Context, artistID, folder, sourceDir string, trigger Trigger) (result ImportResult, err error) {
	runID := s.newRunID()
	start := s.currentTime()
	req := Request{ArtistID: artistID, Folder: folder, SourceHint: sourceDir, Trigger: trigger}
	logger := log.With().
		Str("module", "finalize").
		Str("run", runID).
		Str("artistId", artistID).
		Str("folder", folder).
		Str("trigger", string(trigger)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("finalize: recovered from panic during import")
			err = fmt.Errorf("import panic: %v", r)
		}
		s.finishRun(runID, req, "", 0, result, err, start)
	}()

	release, ok := s.cache.Get(artistID, folder)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrReleaseNotFound, library.ReleaseKey(artistID, folder))
	}

	cfg := s.config()
	if cfg.ReleaseLogs && release.Path != "" {
		releaseLogger, closer := library.OpenReleaseLog(logger, cfg.LogWriter, release.Path)
		defer closer.Close()
		logger = releaseLogger
	}

	return s.importRelease(ctx, release, sourceDir, cfg, &logger)
}

func (s *Service) importRelease(ctx context.Context, release *library.Release, sourceDir string, cfg Config, logger *zerolog.Logger) (ImportResult, error) {
	var result ImportResult
	if release.Path == "" {
		return result, fmt.Errorf("%w: %s", ErrReleasePathMissing, release.Key())
	}
	if filepath.Clean(sourceDir) == filepath.Clean(release.Path) {
		return result, fmt.Errorf("%w: source is the release directory", ErrNoAudioFiles)
	}

	unlock := s.locks.Lock(release.ArtistID, release.FolderName)
	defer unlock()

	moved, err := MoveAudioFiles(ctx, sourceDir, release.Path, MigrateOptions{
		StabilityWait: cfg.StabilityWait,
		Logger:        logger,
		sampled:       s.sampled,
	})
	result.Moved = moved.Moved
	result.Skipped = moved.Skipped
	result.BytesMoved = moved.BytesMoved
	if err != nil {
		return result, err
	}
	if len(moved.Moved) == 0 {
		return result, fmt.Errorf("%w: %d skipped in %s", ErrNothingMoved, len(moved.Skipped), sourceDir)
	}

	tracks, err := s.updater.Apply(ctx, release, logger)
	result.Tracks = tracks
	s.metrics.ObserveImport(len(moved.Moved), len(moved.Skipped), moved.BytesMoved, len(tracks))
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) finishRun(runID string, req Request, jobName string, attempts int, result ImportResult, err error, start time.Time) {
	outcome := ActivityOutcomeSucceeded
	reason := fmt.Sprintf("moved %d files, %d tracks available", len(result.Moved), len(result.Tracks))
	switch {
	case errors.Is(err, ErrNoAudioFiles):
		outcome = ActivityOutcomeSkipped
		reason = err.Error()
	case err != nil:
		outcome = ActivityOutcomeFailed
		reason = err.Error()
	}

	s.metrics.ObserveFinalize(string(req.Trigger), string(outcome), attempts, s.currentTime().Sub(start))
	s.recordActivity(ActivityEvent{
		RunID:    runID,
		ArtistID: req.ArtistID,
		Folder:   req.Folder,
		JobName:  jobName,
		Trigger:  req.Trigger,
		Outcome:  outcome,
		Reason:   reason,
		Attempts: attempts,
		Moved:    len(result.Moved),
		Tracks:   len(result.Tracks),
	})
}

func (s *Service) recordActivity(event ActivityEvent) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	limit := s.historyCap
	if limit <= 0 {
		limit = defaultHistorySize
	}
	event.Reason = strings.TrimSpace(event.Reason)
	event.Timestamp = s.currentTime()
	s.history = append(s.history, event)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

// GetActivity returns the most recent activity events, newest last.
func (s *Service) GetActivity(limit int) []ActivityEvent {
	if s == nil {
		return nil
	}
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	events := s.history
	if len(events) == 0 {
		return nil
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]ActivityEvent, len(events))
	copy(out, events)
	return out
}

func (s *Service) currentTime() time.Time {
	if s != nil && s.now != nil {
		return s.now()
	}
	return time.Now()
}

func resolveDownloadsRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("%w: not configured", ErrDownloadsRootMissing)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrDownloadsRootMissing, root)
	}
	return root, nil
}

// PrimaryJobName is the job name used when submitting a release.
func PrimaryJobName(release *library.Release) string {
	return release.ArtistName + " - " + release.Title
}

// LegacyJobName is the job name older submissions used.
func LegacyJobName(release *library.Release) string {
	return release.ArtistID + " - " + release.FolderName
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// expectedJobName prefers the primary name and only falls back to the legacy
// name when the legacy directory exists without a primary one.
func expectedJobName(root string, release *library.Release) string {
	primary := PrimaryJobName(release)
	if isDir(filepath.Join(root, primary)) {
		return primary
	}
	legacy := LegacyJobName(release)
	if isDir(filepath.Join(root, legacy)) {
		return legacy
	}
	return primary
}

// resolveSource returns the first existing candidate directory: the hint,
// the primary job folder, the legacy job folder, then mmusic/<artist>/<folder>.
// A hint outside the downloads root is ignored. The primary folder is
// returned when none exist.
func resolveSource(root string, release *library.Release, hint string, logger *zerolog.Logger) string {
	primary := filepath.Join(root, PrimaryJobName(release))
	candidates := make([]string, 0, 4)
	if hint != "" {
		if !filepath.IsAbs(hint) {
			hint = filepath.Join(root, hint)
		}
		if IsBelowRoot(root, hint) {
			candidates = append(candidates, hint)
		} else if logger != nil {
			logger.Warn().Str("hint", hint).Str("root", root).Msg("finalize: ignoring source outside downloads directory")
		}
	}
	candidates = append(candidates,
		primary,
		filepath.Join(root, LegacyJobName(release)),
		filepath.Join(root, mmusicDir, release.ArtistID, release.FolderName),
	)
	for _, candidate := range candidates {
		if isDir(candidate) {
			return candidate
		}
	}
	return primary
}

// IsBelowRoot reports whether path lies strictly inside root. Symlinks are
// resolved for paths that exist.
func IsBelowRoot(root, path string) bool {
	if strings.TrimSpace(root) == "" || strings.TrimSpace(path) == "" {
		return false
	}
	rel, err := filepath.Rel(canonicalPath(root), canonicalPath(path))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// canonicalPath resolves symlinks in the longest existing prefix of path.
func canonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	var rest []string
	for dir := path; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
		dir = parent
	}
}
