// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sabnzbd

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
)

// Slot is a single queue or history entry.
type Slot struct {
	NzoID     string        `json:"nzo_id,omitempty"`
	Name      string        `json:"name"`
	Filename  string        `json:"filename,omitempty"`
	Status    string        `json:"status"`
	Category  string        `json:"cat,omitempty"`
	Storage   string        `json:"storage,omitempty"`
	Completed CompletedTime `json:"completed"`
}

// DisplayName returns the job name. Queue slots from some versions only
// carry a filename.
func (s Slot) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Filename
}

type queueResponse struct {
	Queue struct {
		Slots []Slot `json:"slots"`
	} `json:"queue"`
}

type historyResponse struct {
	History struct {
		Slots []Slot `json:"slots"`
	} `json:"history"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type addResponse struct {
	Status *bool    `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
	Error  string   `json:"error"`
}

// CompletedTime accepts the completion timestamp as either Unix seconds or an
// ISO-8601 string. The value is always UTC; zero means unknown.
type CompletedTime struct {
	time.Time
}

func (c *CompletedTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		c.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := ParseCompleted(s)
		if err != nil {
			return err
		}
		c.Time = t
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "decode completed timestamp")
	}
	t, err := ParseCompleted(n.String())
	if err != nil {
		return err
	}
	c.Time = t
	return nil
}

func (c CompletedTime) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(c.UTC().Format(time.RFC3339))
}

// ParseCompleted normalises a completion timestamp to UTC. Integers are
// Unix seconds; anything else is parsed as a date string. An empty value
// yields the zero time.
func ParseCompleted(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}

	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(int64(secs), 0).UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}

	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse completed timestamp %q", raw)
	}
	return t.UTC(), nil
}
