// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sabnzbd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	queue   string
	history string
	addurl  string
	status  int

	calls    atomic.Int32
	lastForm map[string]string
	lastFile []byte
	lastType string
	lastURL  string
}

func (f *fakeServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.lastURL = r.URL.String()
		assert.Equal(t, "/api", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		assert.Equal(t, "json", r.URL.Query().Get("output"))

		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(strings.Repeat("x", 800)))
			return
		}

		switch r.URL.Query().Get("mode") {
		case "queue":
			_, _ = w.Write([]byte(f.queue))
		case "history":
			_, _ = w.Write([]byte(f.history))
		case "addurl":
			_, _ = w.Write([]byte(f.addurl))
		case "addfile":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			file, header, err := r.FormFile("nzbfile")
			require.NoError(t, err)
			f.lastType = header.Header.Get("Content-Type")
			f.lastFile, _ = io.ReadAll(file)
			_, _ = w.Write([]byte(`{"status":true,"nzo_ids":["SABnzbd_nzo_1"]}`))
		case "version":
			_, _ = w.Write([]byte(`{"version":"4.3.2"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}
}

func newTestClient(t *testing.T, fake *fakeServer) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", Category: "music", Timeout: 5 * time.Second}), srv
}

func TestIsJobCompleteSubstringMatch(t *testing.T) {
	fake := &fakeServer{
		queue:   `{"queue":{"slots":[{"name":"TheBand - TheAlbum (extras)","status":"Completed"}]}}`,
		history: `{"history":{"slots":[]}}`,
	}
	client, _ := newTestClient(t, fake)

	assert.True(t, client.IsJobComplete(context.Background(), "TheBand - TheAlbum"))
	assert.Equal(t, int32(1), fake.calls.Load(), "a queue hit must not query history")
}

func TestIsJobCompleteLookupOrder(t *testing.T) {
	tests := []struct {
		name    string
		queue   string
		history string
		want    bool
		status  string
	}{
		{
			name:    "queue_downloading",
			queue:   `{"queue":{"slots":[{"name":"a - b","status":"Downloading"}]}}`,
			history: `{"history":{"slots":[{"name":"a - b","status":"Completed"}]}}`,
			want:    false,
			status:  "queue:Downloading",
		},
		{
			name:    "queue_finished_case_insensitive",
			queue:   `{"queue":{"slots":[{"filename":"A - B","status":"FINISHED"}]}}`,
			history: `{"history":{"slots":[]}}`,
			want:    true,
			status:  "queue:FINISHED",
		},
		{
			name:    "history_presence",
			queue:   `{"queue":{"slots":[]}}`,
			history: `{"history":{"slots":[{"name":"x a - b y","status":"Failed"}]}}`,
			want:    true,
			status:  "history:completed",
		},
		{
			name:    "absent",
			queue:   `{"queue":{"slots":[]}}`,
			history: `{"history":{"slots":[]}}`,
			want:    false,
			status:  "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, &fakeServer{queue: tt.queue, history: tt.history})

			assert.Equal(t, tt.want, client.IsJobComplete(context.Background(), "a - b"))
			status, err := client.GetJobStatus(context.Background(), "a - b")
			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestGetJobStatusParseFailure(t *testing.T) {
	client, _ := newTestClient(t, &fakeServer{queue: `not json`})

	status, err := client.GetJobStatus(context.Background(), "job")
	assert.Error(t, err)
	assert.Empty(t, status)
}

func TestSubmitByURL(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		want   bool
	}{
		{name: "accepted", body: `{"status":true,"nzo_ids":["1"]}`, want: true},
		{name: "rejected", body: `{"status":false,"error":"bad nzb"}`, want: false},
		{name: "non_json_success", body: `ok`, want: true},
		{name: "http_error", status: http.StatusInternalServerError, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeServer{addurl: tt.body, status: tt.status}
			client, _ := newTestClient(t, fake)

			got := client.SubmitByURL(context.Background(), "http://indexer/get?id=1&x=y", "Band - Album", "/dl/Band - Album")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubmitByURLEncodesParameters(t *testing.T) {
	fake := &fakeServer{addurl: `{"status":true}`}
	client, _ := newTestClient(t, fake)

	require.True(t, client.SubmitByURL(context.Background(), "http://indexer/get?id=1&x=y", "Band & Co - Album", "/dl/Band & Co"))

	require.NotEmpty(t, fake.lastURL)
	req, err := http.NewRequest(http.MethodGet, fake.lastURL, nil)
	require.NoError(t, err)
	query := req.URL.Query()
	assert.Equal(t, "http://indexer/get?id=1&x=y", query.Get("name"))
	assert.Equal(t, "Band & Co - Album", query.Get("nzbname"))
	assert.Equal(t, "/dl/Band & Co", query.Get("path"))
	assert.Equal(t, "/dl/Band & Co", query.Get("dir"))
	assert.Equal(t, "music", query.Get("cat"))
}

func TestSubmitByContent(t *testing.T) {
	fake := &fakeServer{}
	client, _ := newTestClient(t, fake)

	ok := client.SubmitByContent(context.Background(), []byte("<nzb/>"), "album.nzb", "", "Band - Album")
	assert.True(t, ok)
	assert.Equal(t, []byte("<nzb/>"), fake.lastFile)
	assert.Equal(t, "application/x-nzb", fake.lastType)
}

func TestTestConnectivity(t *testing.T) {
	client, _ := newTestClient(t, &fakeServer{})
	ok, msg := client.TestConnectivity(context.Background())
	assert.True(t, ok)
	assert.Contains(t, msg, "4.3.2")

	failing, _ := newTestClient(t, &fakeServer{status: http.StatusForbidden})
	ok, msg = failing.TestConnectivity(context.Background())
	assert.False(t, ok)
	assert.NotContains(t, msg, "secret")
}

func TestNotConfiguredMakesNoCalls(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	assert.False(t, client.SubmitByURL(ctx, "u", "n", ""))
	assert.False(t, client.SubmitByContent(ctx, []byte("x"), "f.nzb", "", "n"))
	assert.False(t, client.IsJobComplete(ctx, "n"))
	_, err := client.GetJobStatus(ctx, "n")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.History(ctx, 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	ok, _ := client.TestConnectivity(ctx)
	assert.False(t, ok)

	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestNotConfiguredWarnsForEveryOperation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		op  string
		run func(c *Client)
	}{
		{op: "addurl", run: func(c *Client) { c.SubmitByURL(ctx, "u", "n", "") }},
		{op: "addfile", run: func(c *Client) { c.SubmitByContent(ctx, []byte("x"), "f.nzb", "", "n") }},
		{op: "queue", run: func(c *Client) { c.Queue(ctx) }},
		{op: "history", run: func(c *Client) { c.History(ctx, 5) }},
		{op: "is-job-complete", run: func(c *Client) { c.IsJobComplete(ctx, "n") }},
		{op: "get-job-status", run: func(c *Client) { c.GetJobStatus(ctx, "n") }},
		{op: "test-connectivity", run: func(c *Client) { c.TestConnectivity(ctx) }},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			var buf bytes.Buffer
			client := NewClient(Config{})
			client.log = zerolog.New(&buf)

			tt.run(client)

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			require.Len(t, lines, 1)

			var entry map[string]any
			require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
			assert.Equal(t, "warn", entry["level"])
			assert.Equal(t, tt.op, entry["op"])
		})
	}
}

func TestAPIErrorTruncatesBody(t *testing.T) {
	client, _ := newTestClient(t, &fakeServer{status: http.StatusBadGateway})

	_, err := client.Queue(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.LessOrEqual(t, len(apiErr.Body), maxLoggedBody+3)
	assert.True(t, errors.Is(err, &APIError{}))
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://h/api?mode=queue&apikey=abc123&output=json", "http://h/api?mode=queue&apikey=REDACTED&output=json"},
		{"http://h/api?APIKEY=abc", "http://h/api?APIKEY=REDACTED"},
		{"http://h/api?mode=queue", "http://h/api?mode=queue"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactURL(tt.in))
	}
}

func TestHistoryCompletedTimestamps(t *testing.T) {
	fake := &fakeServer{
		history: `{"history":{"slots":[
			{"name":"a","status":"Completed","completed":1700000000},
			{"name":"b","status":"Completed","completed":"2023-11-14T22:13:20Z"},
			{"name":"c","status":"Completed","completed":"2023-11-14T23:13:20+01:00"},
			{"name":"d","status":"Failed","completed":null}
		]}}`,
	}
	client, _ := newTestClient(t, fake)

	slots, err := client.History(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, slots, 4)

	want := time.Unix(1700000000, 0).UTC()
	for _, slot := range slots[:3] {
		assert.True(t, want.Equal(slot.Completed.Time), slot.Name)
		assert.Equal(t, time.UTC, slot.Completed.Location())
	}
	assert.True(t, slots[3].Completed.IsZero())
	assert.Contains(t, fake.lastURL, "limit=50")
}

func TestParseCompleted(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "", want: time.Time{}},
		{in: "1700000000", want: time.Unix(1700000000, 0).UTC()},
		{in: "2023-11-14T22:13:20Z", want: time.Unix(1700000000, 0).UTC()},
		{in: "2023-11-14 22:13:20", want: time.Unix(1700000000, 0).UTC()},
		{in: "not a date", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompleted(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestCompletedTimeMarshal(t *testing.T) {
	slot := Slot{Name: "x", Completed: CompletedTime{time.Unix(1700000000, 0)}}
	data, err := json.Marshal(slot)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"completed":"2023-11-14T22:13:20Z"`)
}
