// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/autobrr/mmsync/internal/services/reconcile"
)

// Poller runs history reconciliation on demand.
type Poller interface {
	Poll(ctx context.Context) reconcile.PollResult
	LastPoll() (reconcile.PollResult, time.Time)
}

type ReconcileHandler struct {
	poller Poller
}

func NewReconcileHandler(poller Poller) *ReconcileHandler {
	return &ReconcileHandler{poller: poller}
}

type pollResponse struct {
	reconcile.PollResult
	PolledAt *time.Time `json:"polledAt"`
}

func newPollResponse(result reconcile.PollResult, at time.Time) pollResponse {
	resp := pollResponse{PollResult: result}
	if !at.IsZero() {
		resp.PolledAt = &at
	}
	return resp
}

// Last returns the most recent poll summary.
func (h *ReconcileHandler) Last(w http.ResponseWriter, _ *http.Request) {
	result, at := h.poller.LastPoll()
	RespondJSON(w, http.StatusOK, newPollResponse(result, at))
}

// Poll runs one poll and returns its summary.
func (h *ReconcileHandler) Poll(w http.ResponseWriter, r *http.Request) {
	h.poller.Poll(r.Context())
	result, at := h.poller.LastPoll()
	RespondJSON(w, http.StatusOK, newPollResponse(result, at))
}
