// Package importer drives the FHIR bulk $import exchange: it submits a
// manifest of NDJSON file URLs to a server and polls the async status
// endpoint until the job finishes.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fhirsieve/internal/fhir"
	"fhirsieve/internal/logging"
)

var (
	ErrRejected      = errors.New("import request rejected")
	ErrJobFailed     = errors.New("import job failed")
	ErrNoJobLocation = errors.New("no Content-Location header in response")
)

const (
	// DefaultRetryAfter is used when an in-progress response carries no
	// usable Retry-After header.
	DefaultRetryAfter = 30 * time.Second

	// DefaultMinPollInterval floors the status poll frequency even when the
	// server asks for immediate retries.
	DefaultMinPollInterval = time.Second

	// maxErrorBody bounds how much of an error response is read for the
	// error message.
	maxErrorBody = 2048
)

type Config struct {
	// FHIRBaseURL is the server base, e.g. http://localhost:8080/fhir.
	FHIRBaseURL string

	// FileServerURL is the base URL the server fetches input files from.
	FileServerURL string

	// MinPollInterval floors the poll frequency. Zero means
	// DefaultMinPollInterval.
	MinPollInterval time.Duration

	// Client overrides the HTTP client.
	Client *http.Client

	Logger *slog.Logger
}

// Client talks to one FHIR server.
type Client struct {
	base    string
	source  string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.FHIRBaseURL == "" {
		return nil, errors.New("FHIR base URL is required")
	}
	if cfg.FileServerURL == "" {
		return nil, errors.New("file server URL is required")
	}

	minPoll := cfg.MinPollInterval
	if minPoll <= 0 {
		minPoll = DefaultMinPollInterval
	}
	httpc := cfg.Client
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		base:    strings.TrimRight(cfg.FHIRBaseURL, "/"),
		source:  strings.TrimRight(cfg.FileServerURL, "/"),
		httpc:   httpc,
		limiter: rate.NewLimiter(rate.Every(minPoll), 1),
		logger:  logging.Default(cfg.Logger).With("component", "importer"),
	}, nil
}

// BuildManifest pairs each file name with its inferred resource type and the
// URL it resolves to under the file server base. Order is preserved.
func BuildManifest(fileServerURL string, names []string) []fhir.Input {
	base := strings.TrimRight(fileServerURL, "/")
	inputs := make([]fhir.Input, 0, len(names))
	for _, name := range names {
		inputs = append(inputs, fhir.Input{
			Type: fhir.ResourceTypeFor(name),
			URL:  base + "/" + name,
		})
	}
	return inputs
}

// Submit posts the import manifest and returns the server-assigned job ID,
// taken from the last path segment of the Content-Location header.
func (c *Client) Submit(ctx context.Context, inputs []fhir.Input) (string, error) {
	body, err := json.Marshal(fhir.ImportParameters(c.source, inputs))
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/$import", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", fhir.MediaTypeJSON)
	req.Header.Set("Accept", fhir.MediaTypeJSON)
	req.Header.Set("Prefer", "respond-async")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit import: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return "", rejectionError(resp)
	}

	loc := resp.Header.Get("Content-Location")
	if loc == "" {
		return "", ErrNoJobLocation
	}
	jobID := path.Base(loc)

	c.logger.Info("import job accepted", "job", jobID, "files", len(inputs))
	return jobID, nil
}

// JobStatus reports one poll of the status endpoint.
type JobStatus struct {
	Done       bool
	RetryAfter time.Duration
	Outcome    *fhir.Outcome
}

// Status polls the job once. A 200 response completes the job, a 202 keeps
// it in progress, anything else fails it.
func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/$import-poll-status/"+jobID, nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", fhir.MediaTypeJSON)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return JobStatus{}, fmt.Errorf("poll status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var outcome fhir.Outcome
		if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
			return JobStatus{}, fmt.Errorf("decode outcome: %w", err)
		}
		return JobStatus{Done: true, Outcome: &outcome}, nil
	case http.StatusAccepted:
		return JobStatus{RetryAfter: retryAfter(resp.Header)}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if msg := outcomeMessage(body); msg != "" {
			return JobStatus{}, fmt.Errorf("%w: HTTP %d: %s", ErrJobFailed, resp.StatusCode, msg)
		}
		return JobStatus{}, fmt.Errorf("%w: HTTP %d", ErrJobFailed, resp.StatusCode)
	}
}

// Wait polls until the job completes or ctx expires. Retry-After hints are
// honored, floored by the configured minimum poll interval.
func (c *Client) Wait(ctx context.Context, jobID string) (*fhir.Outcome, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		status, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if status.Done {
			c.logger.Info("import job completed",
				"job", jobID,
				"imported", status.Outcome.TotalImported(),
				"errors", status.Outcome.TotalErrors())
			return status.Outcome, nil
		}

		c.logger.Debug("import job in progress", "job", jobID, "retry_after", status.RetryAfter)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(status.RetryAfter):
		}
	}
}

// Import submits the named files and waits for the job to finish.
func (c *Client) Import(ctx context.Context, names []string) (*fhir.Outcome, error) {
	jobID, err := c.Submit(ctx, BuildManifest(c.source, names))
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, jobID)
}

func rejectionError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if msg := outcomeMessage(body); msg != "" {
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
}

// outcomeMessage extracts a one-line message from an OperationOutcome body,
// or returns "" when the body is not one.
func outcomeMessage(body []byte) string {
	var outcome fhir.OperationOutcome
	if err := json.Unmarshal(body, &outcome); err != nil || len(outcome.Issue) == 0 {
		return ""
	}
	parts := make([]string, 0, len(outcome.Issue))
	for _, issue := range outcome.Issue {
		text := issue.Text()
		if text == "" {
			text = issue.Code
		}
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Severity, text))
	}
	return strings.Join(parts, "; ")
}

// retryAfter parses the Retry-After header, accepting both delta-seconds and
// HTTP-date forms.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
