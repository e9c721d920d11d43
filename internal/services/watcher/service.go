// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package watcher imports audio files that appear under the completed
// downloads directory without waiting for a finalize request.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/metrics"
	"github.com/autobrr/mmsync/internal/services/finalize"
)

// Config controls queue size and loop cadence.
type Config struct {
	Root           string
	QueueSize      int
	DrainInterval  time.Duration
	SweepInterval  time.Duration
	RescanCooldown time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		DrainInterval:  2 * time.Second,
		SweepInterval:  15 * time.Second,
		RescanCooldown: 30 * time.Second,
	}
}

// Importer runs migration and metadata update for one release.
type Importer interface {
	Import(ctx context.Context, artistID, folder, sourceDir string, trigger finalize.Trigger) (finalize.ImportResult, error)
}

// ReleaseLister lists every release in the library cache.
type ReleaseLister interface {
	All() []*library.Release
}

// Service watches the downloads root and imports what it finds.
type Service struct {
	cfg      Config
	releases ReleaseLister
	importer Importer
	metrics  *metrics.Collector
	log      zerolog.Logger

	queue     chan string
	pendingMu sync.Mutex
	pending   map[string]struct{}

	scanMu   sync.Mutex
	lastScan map[string]time.Time

	fsw *fsnotify.Watcher
	now func() time.Time
}

// NewService constructs a Service. collector may be nil.
func NewService(cfg Config, releases ReleaseLister, importer Importer, collector *metrics.Collector) *Service {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RescanCooldown < 0 {
		cfg.RescanCooldown = def.RescanCooldown
	}
	return &Service{
		cfg:      cfg,
		releases: releases,
		importer: importer,
		metrics:  collector,
		log:      log.With().Str("module", "watcher").Logger(),
		queue:    make(chan string, cfg.QueueSize),
		pending:  make(map[string]struct{}),
		lastScan: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start sets up native notifications and launches the drain and sweep loops.
// When notifications are unavailable the sweep still runs.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn().Err(err).Msg("watcher: native notifications unavailable, relying on sweep")
	} else {
		s.fsw = fsw
		if err := s.addRecursive(s.cfg.Root); err != nil {
			s.log.Warn().Err(err).Str("root", s.cfg.Root).Msg("watcher: failed to watch downloads root, relying on sweep")
		}
		go s.watchLoop(ctx)
	}

	go s.drainLoop(ctx)
	go s.sweepLoop(ctx)

	s.log.Info().
		Str("root", s.cfg.Root).
		Dur("drainInterval", s.cfg.DrainInterval).
		Dur("sweepInterval", s.cfg.SweepInterval).
		Msg("watcher: started")
	return nil
}

func (s *Service) addRecursive(root string) error {
	if s.fsw == nil {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.fsw.Add(path); err != nil {
			s.log.Debug().Err(err).Str("dir", path).Msg("watcher: failed to add directory")
		}
		return nil
	})
}

func (s *Service) watchLoop(ctx context.Context) {
	defer s.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("watcher: notification error")
		}
	}
}

func (s *Service) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.addRecursive(event.Name); err != nil {
				s.log.Debug().Err(err).Str("dir", event.Name).Msg("watcher: failed to watch new directory")
			}
			s.enqueueTree(event.Name)
			return
		}
	}

	s.Enqueue(event.Name)
}

// enqueueTree queues audio files that landed in a directory before it was watched.
func (s *Service) enqueueTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if library.IsAudioFile(d.Name()) {
			s.Enqueue(path)
		}
		return nil
	})
}

// Enqueue adds a path to the bounded queue. Empty, duplicate-pending and
// overflow paths are dropped; the sweep picks up anything lost.
func (s *Service) Enqueue(path string) bool {
	if path == "" {
		return false
	}

	s.pendingMu.Lock()
	if _, ok := s.pending[path]; ok {
		s.pendingMu.Unlock()
		return false
	}
	select {
	case s.queue <- path:
		s.pending[path] = struct{}{}
		s.pendingMu.Unlock()
		s.metrics.WatcherEvent("queued")
		s.metrics.SetWatcherQueueDepth(len(s.queue))
		return true
	default:
		s.pendingMu.Unlock()
		s.metrics.WatcherEvent("dropped")
		s.log.Debug().Str("path", path).Msg("watcher: queue full, dropping event")
		return false
	}
}

func (s *Service) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DrainOne(ctx)
		}
	}
}

// DrainOne processes at most one queued path. It reports whether a path was taken.
func (s *Service) DrainOne(ctx context.Context) bool {
	var path string
	select {
	case path = <-s.queue:
	default:
		return false
	}

	s.pendingMu.Lock()
	delete(s.pending, path)
	s.pendingMu.Unlock()
	s.metrics.SetWatcherQueueDepth(len(s.queue))

	s.processPath(ctx, path)
	return true
}

func (s *Service) processPath(ctx context.Context, path string) {
	if !library.IsAudioFile(path) {
		s.metrics.WatcherEvent("ignored")
		return
	}
	if _, err := os.Stat(path); err != nil {
		// Already moved by an earlier import.
		s.metrics.WatcherEvent("gone")
		return
	}

	target, ok := s.resolveFile(path)
	if !ok {
		s.metrics.WatcherEvent("unmatched")
		return
	}
	s.importTarget(ctx, target, finalize.TriggerWatcher)
}

func (s *Service) resolveFile(path string) (Target, bool) {
	if target, ok := MapConvention(path, false); ok {
		return target, true
	}

	dir := filepath.Dir(path)
	if isDiscFolder(filepath.Base(dir)) && filepath.Clean(filepath.Dir(dir)) != filepath.Clean(s.cfg.Root) {
		dir = filepath.Dir(dir)
	}
	if filepath.Clean(dir) == filepath.Clean(s.cfg.Root) {
		s.log.Debug().Str("path", path).Msg("watcher: audio file directly in downloads root, skipping")
		return Target{}, false
	}
	return s.resolveFolder(dir)
}

func (s *Service) resolveFolder(dir string) (Target, bool) {
	releases := s.releases.All()
	name := filepath.Base(dir)

	release, score := MatchFolder(name, releases)
	if release == nil {
		s.log.Info().
			Str("folder", name).
			Int("bestScore", score).
			Strs("nearest", nearestCandidates(name, releases)).
			Msg("watcher: no release matches download folder")
		return Target{}, false
	}

	s.log.Debug().Str("folder", name).Str("release", release.Key()).Int("score", score).Msg("watcher: matched download folder")
	return Target{ArtistID: release.ArtistID, Folder: release.FolderName, SourceDir: dir}, true
}

func (s *Service) importTarget(ctx context.Context, target Target, trigger finalize.Trigger) {
	s.markScanned(target.Key())

	result, err := s.importer.Import(ctx, target.ArtistID, target.Folder, target.SourceDir, trigger)
	switch {
	case errors.Is(err, finalize.ErrNoAudioFiles):
		s.log.Debug().Str("release", target.Key()).Msg("watcher: nothing left to import")
		s.metrics.WatcherEvent("empty")
		return
	case errors.Is(err, finalize.ErrNothingMoved):
		s.log.Info().Str("release", target.Key()).Int("skipped", len(result.Skipped)).Msg("watcher: files still being written")
		s.metrics.WatcherEvent("pending")
		return
	case err != nil:
		s.log.Warn().Err(err).Str("release", target.Key()).Str("source", target.SourceDir).Msg("watcher: import failed")
		s.metrics.WatcherEvent("failed")
		return
	}

	s.metrics.WatcherEvent("imported")
	s.log.Info().
		Str("release", target.Key()).
		Int("moved", len(result.Moved)).
		Int("tracks", len(result.Tracks)).
		Msg("watcher: imported files")

	if len(result.Moved) > 0 {
		s.removeIfEmpty(target.SourceDir)
	}
}

// removeIfEmpty deletes empty directories below and including dir. It never
// touches the downloads root itself.
func (s *Service) removeIfEmpty(dir string) {
	root := filepath.Clean(s.cfg.Root)
	if filepath.Clean(dir) == root {
		return
	}

	var dirs []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	for _, d := range dirs {
		if err := os.Remove(d); err == nil {
			s.log.Debug().Str("dir", d).Msg("watcher: removed empty source directory")
		}
	}
}

func (s *Service) markScanned(key string) {
	s.scanMu.Lock()
	s.lastScan[key] = s.now()
	s.scanMu.Unlock()
}

func (s *Service) recentlyScanned(key string) bool {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	last, ok := s.lastScan[key]
	return ok && s.now().Sub(last) < s.cfg.RescanCooldown
}

// LastScan returns when a release key was last imported by this watcher.
func (s *Service) LastScan(key string) (time.Time, bool) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	last, ok := s.lastScan[key]
	return last, ok
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep imports every mmusic/<artist>/<folder> directory and every other
// top-level folder holding audio. Releases scanned within the cooldown are skipped.
func (s *Service) Sweep(ctx context.Context) {
	targets := s.sweepTargets()
	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		if s.recentlyScanned(target.Key()) {
			continue
		}
		s.importTarget(ctx, target, finalize.TriggerSweep)
	}
}

func (s *Service) sweepTargets() []Target {
	var targets []Target
	seen := make(map[string]struct{})
	add := func(target Target) {
		if _, ok := seen[target.SourceDir]; ok {
			return
		}
		seen[target.SourceDir] = struct{}{}
		targets = append(targets, target)
	}

	mmusicRoot := filepath.Join(s.cfg.Root, mmusicDir)
	artists, _ := os.ReadDir(mmusicRoot)
	for _, artist := range artists {
		if !artist.IsDir() {
			continue
		}
		folders, _ := os.ReadDir(filepath.Join(mmusicRoot, artist.Name()))
		for _, folder := range folders {
			if !folder.IsDir() {
				continue
			}
			dir := filepath.Join(mmusicRoot, artist.Name(), folder.Name())
			if target, ok := MapConvention(dir, true); ok && containsAudio(dir) {
				add(target)
			}
		}
	}

	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		s.log.Debug().Err(err).Str("root", s.cfg.Root).Msg("watcher: cannot read downloads root")
		return targets
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == mmusicDir {
			continue
		}
		dir := filepath.Join(s.cfg.Root, entry.Name())
		if !containsAudio(dir) {
			continue
		}
		if target, ok := s.resolveFolder(dir); ok {
			add(target)
		}
	}
	return targets
}

var errFound = errors.New("found")

func containsAudio(dir string) bool {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && library.IsAudioFile(d.Name()) {
			return errFound
		}
		return nil
	})
	return errors.Is(err, errFound)
}
