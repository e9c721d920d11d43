// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracknum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfer(t *testing.T) {
	tests := []struct {
		name      string
		fileName  string
		wantDisc  int
		wantTrack int
		wantOK    bool
	}{
		{name: "plain leading number", fileName: "01 - Intro.flac", wantDisc: 1, wantTrack: 1, wantOK: true},
		{name: "disc marker with embedded track", fileName: "CD2 - 05 - Outro.mp3", wantDisc: 2, wantTrack: 5, wantOK: true},
		{name: "disc word with space", fileName: "Disc 3 - 12 - Finale.flac", wantDisc: 3, wantTrack: 12, wantOK: true},
		{name: "digital media marker", fileName: "Digital Media 2 - 07 - Song.m4a", wantDisc: 2, wantTrack: 7, wantOK: true},
		{name: "disk marker case insensitive", fileName: "DISK4 - 01 - Start.ogg", wantDisc: 4, wantTrack: 1, wantOK: true},
		{name: "embedded track after artist", fileName: "The Band - 03 - Third.flac", wantDisc: 1, wantTrack: 3, wantOK: true},
		{name: "three digit embedded track", fileName: "Artist - 104 - Long.flac", wantDisc: 1, wantTrack: 104, wantOK: true},
		{name: "disc track concatenation reduced", fileName: "203 Song.mp3", wantDisc: 1, wantTrack: 3, wantOK: true},
		{name: "modulo zero keeps number", fileName: "200 Song.mp3", wantDisc: 1, wantTrack: 200, wantOK: true},
		{name: "prefix letters before digits", fileName: "Track07.wav", wantDisc: 1, wantTrack: 7, wantOK: true},
		{name: "path is reduced to base name", fileName: "/downloads/CD1/09 - Nine.flac", wantDisc: 1, wantTrack: 9, wantOK: true},
		{name: "hyphenated disc marker", fileName: "CD-1-05-Title.mp3", wantDisc: 1, wantTrack: 5, wantOK: true},
		{name: "disc marker without separators", fileName: "Disc 2 07 Song.flac", wantDisc: 2, wantTrack: 7, wantOK: true},
		{name: "disc marker after track", fileName: "07 Song (CD2).flac", wantDisc: 2, wantTrack: 7, wantOK: true},
		{name: "no digits", fileName: "Intro.flac", wantDisc: 1, wantTrack: 0, wantOK: false},
		{name: "zero track", fileName: "00 - Hidden.flac", wantDisc: 1, wantTrack: 0, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disc, track, ok := Infer(tt.fileName)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantDisc, disc)
			if tt.wantOK {
				assert.Equal(t, tt.wantTrack, track)
			}
		})
	}
}
