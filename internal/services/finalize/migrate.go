// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mmsync/internal/library"
)

var (
	// ErrNoAudioFiles means the source tree holds no audio files at all.
	ErrNoAudioFiles = errors.New("no audio files found in source")
	// ErrNothingMoved means audio files were found but none were migrated.
	ErrNothingMoved = errors.New("no audio files were moved")
)

const defaultStabilityWait = time.Second

// MigrateOptions tunes MoveAudioFiles.
type MigrateOptions struct {
	// StabilityWait is the gap between the two size samples of each file.
	StabilityWait time.Duration
	Logger        *zerolog.Logger

	// sampled runs between the two size samples; used by tests.
	sampled func()
}

// MoveResult lists the destination names of migrated files and the source
// paths that were left behind.
type MoveResult struct {
	Moved      []string
	Skipped    []string
	BytesMoved int64
}

type candidate struct {
	path string
	size int64
}

// MoveAudioFiles moves every fully written audio file below sourceRoot into
// targetDir. Files whose size changes across StabilityWait are skipped and
// left for a later run.
func MoveAudioFiles(ctx context.Context, sourceRoot, targetDir string, opts MigrateOptions) (MoveResult, error) {
	var result MoveResult

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	wait := opts.StabilityWait
	if wait < 0 {
		wait = 0
	}

	paths, err := findAudioFiles(sourceRoot)
	if err != nil {
		return result, err
	}
	if len(paths) == 0 {
		return result, fmt.Errorf("%w: %s", ErrNoAudioFiles, sourceRoot)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return result, fmt.Errorf("create target directory: %w", err)
	}

	first := sampleSizes(paths)
	if opts.sampled != nil {
		opts.sampled()
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
	second := sampleSizes(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		before, okBefore := first[path]
		after, okAfter := second[path]
		if !okBefore || !okAfter {
			logger.Debug().Str("file", path).Msg("finalize: source file disappeared, skipping")
			result.Skipped = append(result.Skipped, path)
			continue
		}
		if before != after {
			logger.Info().Str("file", path).Int64("before", before).Int64("after", after).Msg("finalize: file still being written, skipping")
			result.Skipped = append(result.Skipped, path)
			continue
		}

		dest, err := uniqueDestination(targetDir, filepath.Base(path))
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("finalize: failed to pick destination")
			result.Skipped = append(result.Skipped, path)
			continue
		}

		if err := moveFile(path, dest, logger); err != nil {
			logger.Warn().Err(err).Str("file", path).Str("dest", dest).Msg("finalize: failed to move file")
			result.Skipped = append(result.Skipped, path)
			continue
		}

		result.Moved = append(result.Moved, filepath.Base(dest))
		result.BytesMoved += after
		logger.Debug().Str("file", filepath.Base(dest)).Str("size", humanize.Bytes(uint64(after))).Msg("finalize: moved file")
	}

	logger.Info().
		Int("moved", len(result.Moved)).
		Int("skipped", len(result.Skipped)).
		Str("size", humanize.Bytes(uint64(result.BytesMoved))).
		Str("target", targetDir).
		Msg("finalize: migration finished")

	return result, nil
}

func findAudioFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return nil, nil
	}

	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if library.IsAudioFile(d.Name()) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out, nil
}

func sampleSizes(paths []string) map[string]int64 {
	sizes := make(map[string]int64, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		sizes[path] = info.Size()
	}
	return sizes
}

// uniqueDestination returns dir/name, or dir/"stem (N).ext" when taken.
func uniqueDestination(dir, name string) (string, error) {
	dest := filepath.Join(dir, name)
	if _, err := os.Lstat(dest); errors.Is(err, fs.ErrNotExist) {
		return dest, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; n < 1000; n++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Lstat(dest); errors.Is(err, fs.ErrNotExist) {
			return dest, nil
		}
	}
	return "", fmt.Errorf("no free destination name for %s", name)
}

// moveFile renames src to dest and falls back to copy+delete when the rename
// fails, for example across devices.
func moveFile(src, dest string, logger zerolog.Logger) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	} else if errors.Is(err, fs.ErrNotExist) {
		return err
	} else {
		logger.Debug().Err(err).Str("file", src).Msg("finalize: rename failed, copying instead")
	}

	if err := copyFile(src, dest); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		logger.Warn().Err(err).Str("file", src).Msg("finalize: copied file but could not remove source")
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
