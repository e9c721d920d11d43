// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/services/finalize"
)

// ReleaseSource reads releases from the library cache.
type ReleaseSource interface {
	Get(artistID, folder string) (*library.Release, bool)
	All() []*library.Release
}

// FinalizeRunner starts finalize runs in the background.
type FinalizeRunner interface {
	FinalizeAsync(req finalize.Request) <-chan error
}

type ReleasesHandler struct {
	releases  ReleaseSource
	finalizer FinalizeRunner
}

func NewReleasesHandler(releases ReleaseSource, finalizer FinalizeRunner) *ReleasesHandler {
	return &ReleasesHandler{releases: releases, finalizer: finalizer}
}

// ReleaseSummary is the list view of a release.
type ReleaseSummary struct {
	ArtistID        string `json:"artistId"`
	ArtistName      string `json:"artistName"`
	FolderName      string `json:"folderName"`
	Title           string `json:"title"`
	TotalTracks     int    `json:"totalTracks"`
	AvailableTracks int    `json:"availableTracks"`
}

func summarize(release *library.Release) ReleaseSummary {
	keys := make(map[library.TrackKey]struct{})
	for _, disc := range release.Discs {
		for _, track := range disc.Tracks {
			keys[track.Key()] = struct{}{}
		}
	}
	for _, track := range release.Tracks {
		keys[track.Key()] = struct{}{}
	}
	return ReleaseSummary{
		ArtistID:        release.ArtistID,
		ArtistName:      release.ArtistName,
		FolderName:      release.FolderName,
		Title:           release.Title,
		TotalTracks:     len(keys),
		AvailableTracks: release.AvailableTrackCount(),
	}
}

// List returns every cached release. ?missing=true keeps only releases
// without any available track.
func (h *ReleasesHandler) List(w http.ResponseWriter, r *http.Request) {
	missingOnly := boolQuery(r, "missing")
	out := make([]ReleaseSummary, 0)
	for _, release := range h.releases.All() {
		if missingOnly && release.AvailableTrackCount() > 0 {
			continue
		}
		out = append(out, summarize(release))
	}
	RespondJSON(w, http.StatusOK, out)
}

// Get returns the full descriptor of one release.
func (h *ReleasesHandler) Get(w http.ResponseWriter, r *http.Request) {
	release, ok := h.lookup(w, r)
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, release)
}

type finalizeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Finalize starts a finalize run for one release. ?source= and ?job= override
// the download directory and job name. The run continues in the background
// unless ?wait=true, in which case the response carries its result.
func (h *ReleasesHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	release, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.finalizer == nil {
		RespondError(w, http.StatusServiceUnavailable, "finalize is not available")
		return
	}

	req := finalize.Request{
		ArtistID:   release.ArtistID,
		Folder:     release.FolderName,
		SourceHint: strings.TrimSpace(r.URL.Query().Get("source")),
		JobName:    strings.TrimSpace(r.URL.Query().Get("job")),
		Trigger:    finalize.TriggerAPI,
	}

	done := h.finalizer.FinalizeAsync(req)
	if !boolQuery(r, "wait") {
		RespondJSON(w, http.StatusAccepted, finalizeResponse{Status: "started"})
		return
	}

	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Str("release", release.Key()).Msg("api: finalize failed")
			RespondJSON(w, finalizeStatusCode(err), finalizeResponse{Status: "failed", Error: err.Error()})
			return
		}
		RespondJSON(w, http.StatusOK, finalizeResponse{Status: "completed"})
	case <-r.Context().Done():
		RespondJSON(w, http.StatusAccepted, finalizeResponse{Status: "started"})
	}
}

func finalizeStatusCode(err error) int {
	switch {
	case errors.Is(err, finalize.ErrReleaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, finalize.ErrJobIncomplete):
		return http.StatusConflict
	case errors.Is(err, finalize.ErrNoAudioFiles), errors.Is(err, finalize.ErrNothingMoved):
		return http.StatusUnprocessableEntity
	case errors.Is(err, finalize.ErrDownloadsRootMissing),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *ReleasesHandler) lookup(w http.ResponseWriter, r *http.Request) (*library.Release, bool) {
	artistID := strings.TrimSpace(chi.URLParam(r, "artistID"))
	folder := strings.TrimSpace(chi.URLParam(r, "folder"))
	if artistID == "" || folder == "" {
		RespondError(w, http.StatusBadRequest, "artist id and folder are required")
		return nil, false
	}
	release, ok := h.releases.Get(artistID, folder)
	if !ok {
		RespondError(w, http.StatusNotFound, "release not found")
		return nil, false
	}
	return release, true
}
