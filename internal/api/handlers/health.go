// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"time"
)

// ConnectivityChecker checks that the download client is reachable.
type ConnectivityChecker interface {
	TestConnectivity(ctx context.Context) (bool, string)
}

type HealthHandler struct {
	version string
	client  ConnectivityChecker
	started time.Time
}

// NewHealthHandler creates a health handler. client may be nil.
func NewHealthHandler(version string, client ConnectivityChecker) *HealthHandler {
	return &HealthHandler{version: version, client: client, started: time.Now()}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

type connectivityResponse struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
}

// HandleDownloadClient reports whether the download client answers.
func (h *HealthHandler) HandleDownloadClient(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		RespondJSON(w, http.StatusServiceUnavailable, connectivityResponse{Message: "download client not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	ok, message := h.client.TestConnectivity(ctx)
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	RespondJSON(w, status, connectivityResponse{Connected: ok, Message: message})
}
