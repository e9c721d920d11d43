// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package watcher

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/autobrr/mmsync/internal/library"
)

const (
	mmusicDir     = "mmusic"
	maxMinScore   = 12
	maxNearbyHits = 3
)

// Target identifies the release a download directory belongs to.
type Target struct {
	ArtistID  string
	Folder    string
	SourceDir string
}

func (t Target) Key() string {
	return library.ReleaseKey(t.ArtistID, t.Folder)
}

// MapConvention resolves paths shaped like .../mmusic/<artistId>/<folder>/...
// The source directory is the <folder> directory. A file path must sit below
// <folder>; a directory path may be <folder> itself.
func MapConvention(path string, isDir bool) (Target, bool) {
	clean := filepath.Clean(path)
	parts := strings.Split(filepath.ToSlash(clean), "/")
	for i := len(parts) - 3; i >= 0; i-- {
		if !isDir && i+3 >= len(parts) {
			continue
		}
		if parts[i] != mmusicDir || parts[i+1] == "" || parts[i+2] == "" {
			continue
		}
		source := filepath.FromSlash(strings.Join(parts[:i+3], "/"))
		if source == "" {
			continue
		}
		return Target{ArtistID: parts[i+1], Folder: parts[i+2], SourceDir: source}, true
	}
	return Target{}, false
}

func minScore(folderNorm string) int {
	threshold := len(folderNorm) / 3
	if threshold > maxMinScore {
		threshold = maxMinScore
	}
	return threshold
}

// scoreRelease awards the length of the normalized artist name and title
// when each appears in the normalized folder name.
func scoreRelease(folderNorm string, release *library.Release) int {
	score := 0
	if artist := Normalize(release.ArtistName); artist != "" && strings.Contains(folderNorm, artist) {
		score += len(artist)
	}
	if title := Normalize(release.Title); title != "" && strings.Contains(folderNorm, title) {
		score += len(title)
	}
	return score
}

// MatchFolder picks the best scoring release for a download folder name.
func MatchFolder(folderName string, releases []*library.Release) (*library.Release, int) {
	folderNorm := Normalize(folderName)
	if folderNorm == "" {
		return nil, 0
	}
	threshold := minScore(folderNorm)

	var best *library.Release
	bestScore := 0
	for _, release := range releases {
		score := scoreRelease(folderNorm, release)
		if score > bestScore {
			best = release
			bestScore = score
		}
	}
	if best == nil || bestScore < threshold {
		return nil, bestScore
	}
	return best, bestScore
}

// nearestCandidates ranks releases whose "artist title" is a fuzzy
// subsequence of the folder name. Used for diagnostics only.
func nearestCandidates(folderName string, releases []*library.Release) []string {
	folderNorm := Normalize(folderName)

	type ranked struct {
		name string
		rank int
	}
	var hits []ranked
	for _, release := range releases {
		name := Normalize(release.ArtistName + " " + release.Title)
		if name == "" {
			continue
		}
		if rank := fuzzy.RankMatchNormalizedFold(name, folderNorm); rank >= 0 {
			hits = append(hits, ranked{name: release.Key(), rank: rank})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].rank < hits[j].rank })

	out := make([]string, 0, maxNearbyHits)
	for i := 0; i < len(hits) && i < maxNearbyHits; i++ {
		out = append(out, hits[i].name)
	}
	return out
}
