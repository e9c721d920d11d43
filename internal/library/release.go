// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package library holds the on-disk release descriptors and the in-memory
// cache the finalize pipeline reads and updates.
package library

import (
	"path/filepath"
	"strings"
)

// DescriptorFileName is the persisted track list inside every release folder.
const DescriptorFileName = "release.json"

// TrackStatus tracks whether a track has an audio file in the library.
type TrackStatus string

const (
	TrackAvailable TrackStatus = "available"
	TrackMissing   TrackStatus = "missing"
)

// Track is a single entry in a release's track list.
type Track struct {
	DiscNumber    int         `json:"discNumber"`
	TrackNumber   int         `json:"trackNumber"`
	Title         string      `json:"title"`
	AudioFilePath string      `json:"audioFilePath,omitempty"`
	Status        TrackStatus `json:"status"`
}

// Key returns the (disc, track) key used for file matching.
func (t Track) Key() TrackKey {
	disc := t.DiscNumber
	if disc <= 0 {
		disc = 1
	}
	return TrackKey{Disc: disc, Track: t.TrackNumber}
}

// IsAvailable reports whether the track has a migrated audio file.
func (t Track) IsAvailable() bool {
	return t.Status == TrackAvailable && t.AudioFilePath != ""
}

// MarkAvailable points the track at an audio file relative to the release folder.
func (t *Track) MarkAvailable(relPath string) {
	t.AudioFilePath = relPath
	t.Status = TrackAvailable
}

// TrackKey identifies a track inside a release.
type TrackKey struct {
	Disc  int
	Track int
}

// Disc groups the tracks of a multi-disc release.
type Disc struct {
	DiscNumber int     `json:"discNumber"`
	Tracks     []Track `json:"tracks"`
}

// Release is the descriptor persisted as release.json.
type Release struct {
	ArtistID   string `json:"artistId"`
	ArtistName string `json:"artistName"`
	FolderName string `json:"folderName"`
	Title      string `json:"title"`
	Discs      []Disc `json:"discs,omitempty"`
	// Tracks is the flat list written by older importers.
	Tracks []Track `json:"tracks,omitempty"`

	// Path is the release directory; derived from the library layout, never persisted.
	Path string `json:"-"`
}

// Key returns the cache key "artistId|folder".
func (r *Release) Key() string {
	return ReleaseKey(r.ArtistID, r.FolderName)
}

// ReleaseKey joins an artist id and release folder into a cache key.
func ReleaseKey(artistID, folder string) string {
	return artistID + "|" + folder
}

// AvailableTrackCount counts tracks with migrated files across disc and flat lists.
// Tracks present in both lists are counted once.
func (r *Release) AvailableTrackCount() int {
	seen := make(map[TrackKey]struct{})
	for _, disc := range r.Discs {
		for _, track := range disc.Tracks {
			if track.IsAvailable() {
				seen[track.Key()] = struct{}{}
			}
		}
	}
	for _, track := range r.Tracks {
		if track.IsAvailable() {
			seen[track.Key()] = struct{}{}
		}
	}
	return len(seen)
}

// ApplyFiles marks every track whose key appears in files as available and
// returns the keys that were applied. Tracks without a file are left as-is.
func (r *Release) ApplyFiles(files map[TrackKey]string) []TrackKey {
	applied := make(map[TrackKey]struct{})
	for di := range r.Discs {
		disc := &r.Discs[di]
		for ti := range disc.Tracks {
			track := &disc.Tracks[ti]
			if track.DiscNumber <= 0 {
				track.DiscNumber = disc.DiscNumber
			}
			key := track.Key()
			if name, ok := files[key]; ok {
				track.MarkAvailable("./" + name)
				applied[key] = struct{}{}
			}
		}
	}
	for ti := range r.Tracks {
		track := &r.Tracks[ti]
		key := track.Key()
		if name, ok := files[key]; ok {
			track.MarkAvailable("./" + name)
			applied[key] = struct{}{}
		}
	}

	keys := make([]TrackKey, 0, len(applied))
	for key := range applied {
		keys = append(keys, key)
	}
	return keys
}

// SetTrackStatus updates the status of a single track in both lists. A track
// only becomes available when it already has an audio file; marking it missing
// clears the file pointer.
func (r *Release) SetTrackStatus(key TrackKey, status TrackStatus) bool {
	found := false
	apply := func(track *Track) {
		switch status {
		case TrackAvailable:
			if track.AudioFilePath == "" {
				return
			}
		case TrackMissing:
			track.AudioFilePath = ""
		}
		track.Status = status
		found = true
	}
	for di := range r.Discs {
		for ti := range r.Discs[di].Tracks {
			track := &r.Discs[di].Tracks[ti]
			if track.DiscNumber <= 0 {
				track.DiscNumber = r.Discs[di].DiscNumber
			}
			if track.Key() == key {
				apply(track)
			}
		}
	}
	for ti := range r.Tracks {
		if r.Tracks[ti].Key() == key {
			apply(&r.Tracks[ti])
		}
	}
	return found
}

// Clone returns a deep copy so cache readers never share slices with writers.
func (r *Release) Clone() *Release {
	if r == nil {
		return nil
	}
	out := *r
	if r.Discs != nil {
		out.Discs = make([]Disc, len(r.Discs))
		for i, disc := range r.Discs {
			out.Discs[i] = Disc{DiscNumber: disc.DiscNumber, Tracks: append([]Track(nil), disc.Tracks...)}
		}
	}
	if r.Tracks != nil {
		out.Tracks = append([]Track(nil), r.Tracks...)
	}
	return &out
}

var audioExtensions = map[string]struct{}{
	".mp3":  {},
	".flac": {},
	".m4a":  {},
	".wav":  {},
	".ogg":  {},
}

// IsAudioFile reports whether name has one of the supported audio extensions.
func IsAudioFile(name string) bool {
	_, ok := audioExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}
