// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package library

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ReleaseLogFileName is the per-release activity log kept next to the audio files.
const ReleaseLogFileName = ".mmsync.log"

const (
	releaseLogMaxSizeMB  = 1
	releaseLogMaxBackups = 2
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenReleaseLog returns base with its output duplicated into the release's
// own log file. process is the writer base normally logs to; when nil only the
// file receives output. Context fields and level of base are kept. The closer
// must be called once the caller is done. When the release directory does not
// exist base is returned unchanged.
func OpenReleaseLog(base zerolog.Logger, process io.Writer, releaseDir string) (zerolog.Logger, io.Closer) {
	if releaseDir == "" {
		return base, nopCloser{}
	}
	if info, err := os.Stat(releaseDir); err != nil || !info.IsDir() {
		return base, nopCloser{}
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(releaseDir, ReleaseLogFileName),
		MaxSize:    releaseLogMaxSizeMB,
		MaxBackups: releaseLogMaxBackups,
	}

	var out io.Writer = rotator
	if process != nil {
		out = zerolog.MultiLevelWriter(process, rotator)
	}

	logger := base.Output(out).
		With().
		Str("release", filepath.Base(releaseDir)).
		Logger()
	return logger, rotator
}
