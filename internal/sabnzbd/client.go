// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sabnzbd is a small client for the SABnzbd HTTP+JSON API.
package sabnzbd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mmsync/internal/buildinfo"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 4 << 20
	maxLoggedBody   = 500
	redactedValue   = "REDACTED"
)

// ErrNotConfigured is returned when the base URL or API key is missing.
var ErrNotConfigured = errors.New("sabnzbd: base url or api key not configured")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sabnzbd returned status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	_, ok := target.(*APIError)
	return ok
}

type Config struct {
	BaseURL  string
	APIKey   string
	Category string
	Timeout  time.Duration

	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	apiKey     string
	category   string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		category:   cfg.Category,
		httpClient: httpClient,
		log:        log.With().Str("module", "sabnzbd").Logger(),
	}
}

// Configured reports whether both base URL and API key are set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

func (c *Client) warnNotConfigured(op string) {
	c.log.Warn().Str("op", op).Msg("sabnzbd is not configured, skipping request")
}

var apiKeyPattern = regexp.MustCompile(`(?i)(apikey=)[^&\s"]*`)

// RedactURL masks the apikey query value in any string containing a URL.
func RedactURL(raw string) string {
	return apiKeyPattern.ReplaceAllString(raw, "${1}"+redactedValue)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func (c *Client) endpoint(mode string, extra url.Values) string {
	values := url.Values{}
	values.Set("mode", mode)
	values.Set("apikey", c.apiKey)
	values.Set("output", "json")
	for key, vals := range extra {
		for _, v := range vals {
			values.Add(key, v)
		}
	}
	return c.baseURL + "/api?" + values.Encode()
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "request %s", RedactURL(req.URL.String()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxLoggedBody)}
		c.log.Warn().
			Int("status", resp.StatusCode).
			Str("url", RedactURL(req.URL.String())).
			Str("body", apiErr.Body).
			Msg("sabnzbd request failed")
		return body, apiErr
	}

	return body, nil
}

func (c *Client) get(ctx context.Context, mode string, extra url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(mode, extra), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	return c.do(req)
}

func (c *Client) submitParams(displayName, pathOverride string) url.Values {
	values := url.Values{}
	if c.category != "" {
		values.Set("cat", c.category)
	}
	if displayName != "" {
		values.Set("nzbname", displayName)
	}
	if pathOverride != "" {
		values.Set("path", pathOverride)
		values.Set("dir", pathOverride)
	}
	return values
}

// acceptAddResponse treats a non-JSON body as success; only an explicit
// status:false is a rejection.
func (c *Client) acceptAddResponse(body []byte, op string) bool {
	var parsed addResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.log.Debug().Str("op", op).Msg("sabnzbd returned non-json body, assuming accepted")
		return true
	}
	if parsed.Status != nil && !*parsed.Status {
		c.log.Warn().Str("op", op).Str("error", truncate(parsed.Error, maxLoggedBody)).Msg("sabnzbd rejected submission")
		return false
	}
	return true
}

// SubmitByURL asks the client to fetch an NZB from jobURL.
func (c *Client) SubmitByURL(ctx context.Context, jobURL, displayName, pathOverride string) bool {
	if !c.Configured() {
		c.warnNotConfigured("addurl")
		return false
	}

	params := c.submitParams(displayName, pathOverride)
	params.Set("name", jobURL)

	body, err := c.get(ctx, "addurl", params)
	if err != nil {
		c.log.Warn().Err(err).Str("name", displayName).Msg("sabnzbd addurl failed")
		return false
	}

	ok := c.acceptAddResponse(body, "addurl")
	if ok {
		c.log.Info().Str("name", displayName).Msg("submitted nzb url to sabnzbd")
	}
	return ok
}

// SubmitByContent uploads NZB content as a multipart form.
func (c *Client) SubmitByContent(ctx context.Context, data []byte, fileName, pathOverride, displayName string) bool {
	if !c.Configured() {
		c.warnNotConfigured("addfile")
		return false
	}
	if fileName == "" {
		fileName = "upload.nzb"
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="nzbfile"; filename=%q`, fileName))
	header.Set("Content-Type", "application/x-nzb")
	part, err := form.CreatePart(header)
	if err != nil {
		c.log.Warn().Err(err).Msg("sabnzbd addfile: build form")
		return false
	}
	if _, err := part.Write(data); err != nil {
		c.log.Warn().Err(err).Msg("sabnzbd addfile: write form")
		return false
	}
	if err := form.Close(); err != nil {
		c.log.Warn().Err(err).Msg("sabnzbd addfile: close form")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("addfile", c.submitParams(displayName, pathOverride)), &buf)
	if err != nil {
		c.log.Warn().Err(err).Msg("sabnzbd addfile: build request")
		return false
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("file", fileName).Msg("sabnzbd addfile failed")
		return false
	}

	ok := c.acceptAddResponse(body, "addfile")
	if ok {
		c.log.Info().Str("file", fileName).Str("name", displayName).Msg("uploaded nzb to sabnzbd")
	}
	return ok
}

// Queue returns the current queue slots.
func (c *Client) Queue(ctx context.Context) ([]Slot, error) {
	if !c.Configured() {
		c.warnNotConfigured("queue")
		return nil, ErrNotConfigured
	}
	body, err := c.get(ctx, "queue", nil)
	if err != nil {
		return nil, err
	}
	var parsed queueResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "decode queue")
	}
	return parsed.Queue.Slots, nil
}

// History returns up to limit of the most recent history slots.
func (c *Client) History(ctx context.Context, limit int) ([]Slot, error) {
	if !c.Configured() {
		c.warnNotConfigured("history")
		return nil, ErrNotConfigured
	}
	var extra url.Values
	if limit > 0 {
		extra = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	body, err := c.get(ctx, "history", extra)
	if err != nil {
		return nil, err
	}
	var parsed historyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}
	return parsed.History.Slots, nil
}

func findSlot(slots []Slot, jobName string) (Slot, bool) {
	needle := strings.ToLower(jobName)
	for _, slot := range slots {
		if strings.Contains(strings.ToLower(slot.DisplayName()), needle) {
			return slot, true
		}
	}
	return Slot{}, false
}

func isFinishedStatus(status string) bool {
	return strings.EqualFold(status, "completed") || strings.EqualFold(status, "finished")
}

// IsJobComplete checks the queue first, then the history. Any history entry
// containing jobName counts as complete.
func (c *Client) IsJobComplete(ctx context.Context, jobName string) bool {
	if !c.Configured() {
		c.warnNotConfigured("is-job-complete")
		return false
	}
	if jobName == "" {
		return false
	}

	queue, err := c.Queue(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("job", jobName).Msg("sabnzbd queue lookup failed")
	} else if slot, ok := findSlot(queue, jobName); ok {
		return isFinishedStatus(slot.Status)
	}

	history, err := c.History(ctx, 0)
	if err != nil {
		c.log.Warn().Err(err).Str("job", jobName).Msg("sabnzbd history lookup failed")
		return false
	}
	_, ok := findSlot(history, jobName)
	return ok
}

// GetJobStatus returns "queue:<status>", "history:completed" or "not_found".
func (c *Client) GetJobStatus(ctx context.Context, jobName string) (string, error) {
	if !c.Configured() {
		c.warnNotConfigured("get-job-status")
		return "", ErrNotConfigured
	}

	queue, err := c.Queue(ctx)
	if err != nil {
		return "", err
	}
	if slot, ok := findSlot(queue, jobName); ok {
		return "queue:" + slot.Status, nil
	}

	history, err := c.History(ctx, 0)
	if err != nil {
		return "", err
	}
	if _, ok := findSlot(history, jobName); ok {
		return "history:completed", nil
	}
	return "not_found", nil
}

// TestConnectivity calls the version endpoint. ok is the HTTP success flag.
func (c *Client) TestConnectivity(ctx context.Context) (bool, string) {
	if !c.Configured() {
		c.warnNotConfigured("test-connectivity")
		return false, ErrNotConfigured.Error()
	}

	body, err := c.get(ctx, "version", nil)
	if err != nil {
		return false, RedactURL(err.Error())
	}

	var parsed versionResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Version == "" {
		return true, "connected"
	}
	return true, "connected to SABnzbd " + parsed.Version
}
