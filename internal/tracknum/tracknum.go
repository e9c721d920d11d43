// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tracknum infers disc and track numbers from audio file names.
package tracknum

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	discPattern     = regexp.MustCompile(`(?i)(?:cd|disc|disk|digital media)[\s._-]*(\d+)`)
	embeddedPattern = regexp.MustCompile(`-\s*(\d{1,3})\s*-`)
	leadingPattern  = regexp.MustCompile(`^\D*(\d+)`)
)

// Infer returns the disc and track number encoded in a file name.
//
// The disc defaults to 1 unless a "cd", "disc", "disk" or "digital media"
// marker followed by a number is present. The track comes from an embedded
// "- NN -" segment when there is one, otherwise from the first run of digits
// in the name. Text after the disc marker is searched before text ahead of
// it. Values above 99 from the fallback are reduced modulo 100 so
// that disc+track prefixes like "203" become track 3, unless that yields 0.
func Infer(fileName string) (disc int, track int, ok bool) {
	base := filepath.Base(fileName)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	disc = 1
	// The disc marker is cut out so its number never reads as the track.
	texts := []string{name}
	if loc := discPattern.FindStringSubmatchIndex(name); loc != nil {
		if n, err := strconv.Atoi(name[loc[2]:loc[3]]); err == nil && n > 0 {
			disc = n
		}
		texts = []string{name[loc[1]:], name[:loc[0]]}
	}

	for _, text := range texts {
		if m := embeddedPattern.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return disc, n, true
			}
		}
	}

	for _, text := range texts {
		if n, ok := leadingTrack(text); ok {
			return disc, n, true
		}
	}
	return disc, 0, false
}

func leadingTrack(text string) (int, bool) {
	m := leadingPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if n > 99 && n%100 != 0 {
		n %= 100
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}
