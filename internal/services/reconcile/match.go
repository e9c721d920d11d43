// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"strings"

	"github.com/autobrr/mmsync/internal/library"
)

// MatchJob picks the release a history job belongs to. A release whose
// artist id and folder both appear in the job name wins; otherwise the first
// release with either one; otherwise nil. Comparison ignores case.
func MatchJob(jobName string, releases []*library.Release) *library.Release {
	name := strings.ToLower(jobName)
	if name == "" {
		return nil
	}

	var partial *library.Release
	for _, release := range releases {
		hasArtist := containsFold(name, release.ArtistID)
		hasFolder := containsFold(name, release.FolderName)
		if hasArtist && hasFolder {
			return release
		}
		if partial == nil && (hasArtist || hasFolder) {
			partial = release
		}
	}
	return partial
}

func containsFold(lowerHaystack, needle string) bool {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return false
	}
	return strings.Contains(lowerHaystack, strings.ToLower(needle))
}

// missingReleases returns releases without a single available track.
func missingReleases(releases []*library.Release) []*library.Release {
	out := make([]*library.Release, 0, len(releases))
	for _, release := range releases {
		if release.AvailableTrackCount() == 0 {
			out = append(out, release)
		}
	}
	return out
}
