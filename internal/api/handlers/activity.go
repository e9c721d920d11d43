// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/autobrr/mmsync/internal/services/finalize"
)

// ActivitySource exposes recent finalize outcomes.
type ActivitySource interface {
	GetActivity(limit int) []finalize.ActivityEvent
}

type ActivityHandler struct {
	source ActivitySource
}

func NewActivityHandler(source ActivitySource) *ActivityHandler {
	return &ActivityHandler{source: source}
}

// List returns recent activity, newest last. ?limit= caps the count.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		RespondJSON(w, http.StatusOK, []finalize.ActivityEvent{})
		return
	}
	events := h.source.GetActivity(positiveIntQuery(r, "limit"))
	if events == nil {
		events = []finalize.ActivityEvent{}
	}
	RespondJSON(w, http.StatusOK, events)
}
