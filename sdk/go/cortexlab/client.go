package cortexlab

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the CortexLab server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a bearer JWT issued for this caller. Leave empty when the
	// server runs with authentication disabled.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Streams use the same transport
	// without the timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the CortexLab API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	stream  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cortexlab: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
		stream:  &http.Client{Transport: httpClient.Transport},
	}, nil
}

// Health reports server and storage health. It does not send the token.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Run lifecycle
// ---------------------------------------------------------------------------

// StartRun admits a run. It fails with a conflict while the project already
// has an active run.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a run with its open checkpoint, if any.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns a project's runs, newest first. A limit of 0 uses the
// server default.
func (c *Client) ListRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]Run, error) {
	path := "/v1/projects/" + projectID.String() + "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp listResponse[Run]
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ResolveCheckpoint answers the run's open checkpoint and resumes it.
// The payload must match the checkpoint's ExpectedInputSchema.
func (c *Client) ResolveCheckpoint(ctx context.Context, runID uuid.UUID, payload map[string]any) (*Run, error) {
	body := map[string]any{"payload": payload}
	var resp Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/checkpoint", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun stops an active run. The run finishes as failed with
// error_reason "cancelled".
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns events with seq greater than after.
func (c *Client) Events(ctx context.Context, runID uuid.UUID, after int64, limit int) (*EventsPage, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp EventsPage
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/events?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream follows a run's events over Server-Sent Events, calling fn for each
// event with seq greater than after. It returns the last seq delivered and
// nil once a terminal event has been handled. If the connection drops
// earlier, the returned seq is the cursor to resume from.
func (c *Client) Stream(ctx context.Context, runID uuid.UUID, after int64, fn func(Event) error) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID.String()+"/stream", nil)
	if err != nil {
		return after, fmt.Errorf("cortexlab: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return after, fmt.Errorf("cortexlab: stream %s: %w", runID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return after, parseErrorResponse(resp.StatusCode, body)
	}

	last := after
	err = readSSE(resp.Body, func(data []byte) (bool, error) {
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return false, fmt.Errorf("cortexlab: decode event: %w", err)
		}
		if evt.Seq <= last {
			return false, nil
		}
		if err := fn(evt); err != nil {
			return false, err
		}
		last = evt.Seq
		return evt.Terminal(), nil
	})
	if errors.Is(err, errStreamDone) {
		return last, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return last, err
}

var errStreamDone = errors.New("stream done")

// readSSE calls handle with the data of each event frame. Comment lines
// (keepalives) and the id/event fields are skipped; the seq is also carried
// in the data. handle returning true ends the read with errStreamDone.
func readSSE(r io.Reader, handle func(data []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			done, err := handle(data.Bytes())
			data.Reset()
			if err != nil {
				return err
			}
			if done {
				return errStreamDone
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

// WaitForStatus polls a run until it reaches one of the given statuses or a
// terminal status.
func (c *Client) WaitForStatus(ctx context.Context, runID uuid.UUID, interval time.Duration, statuses ...string) (*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		for _, s := range statuses {
			if run.Status == s {
				return run, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// Projects and artifacts
// ---------------------------------------------------------------------------

// ListSources returns the literature gathered for a project.
func (c *Client) ListSources(ctx context.Context, projectID uuid.UUID, limit int) ([]Source, error) {
	path := "/v1/projects/" + projectID.String() + "/sources"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp listResponse[Source]
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ListArtifacts returns the current version of every artifact in a project,
// optionally filtered by type.
func (c *Client) ListArtifacts(ctx context.Context, projectID uuid.UUID, artifactType string) ([]Artifact, error) {
	path := "/v1/projects/" + projectID.String() + "/artifacts"
	if artifactType != "" {
		path += "?type=" + url.QueryEscape(artifactType)
	}
	var resp listResponse[Artifact]
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ProposeArtifact creates a new version of a logical artifact.
func (c *Client) ProposeArtifact(ctx context.Context, projectID uuid.UUID, req ProposeArtifactRequest) (*Artifact, error) {
	var resp Artifact
	if err := c.post(ctx, "/v1/projects/"+projectID.String()+"/artifacts", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ArtifactHistory returns every version of a logical artifact, oldest first.
func (c *Client) ArtifactHistory(ctx context.Context, projectID uuid.UUID, logicalKey string) ([]Artifact, error) {
	path := "/v1/projects/" + projectID.String() + "/artifacts/history?logical_key=" + url.QueryEscape(logicalKey)
	var resp listResponse[Artifact]
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ArtifactVersion returns one version of a logical artifact.
func (c *Client) ArtifactVersion(ctx context.Context, projectID uuid.UUID, logicalKey string, version int) (*Artifact, error) {
	params := url.Values{}
	params.Set("logical_key", logicalKey)
	params.Set("version", strconv.Itoa(version))
	var resp Artifact
	if err := c.get(ctx, "/v1/projects/"+projectID.String()+"/artifacts/history?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetArtifact returns one artifact version by id.
func (c *Client) GetArtifact(ctx context.Context, artifactID uuid.UUID) (*Artifact, error) {
	var resp Artifact
	if err := c.get(ctx, "/v1/artifacts/"+artifactID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard success response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("cortexlab: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("cortexlab: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("cortexlab: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" && req.URL.Path != "/health" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cortexlab: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cortexlab: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("cortexlab: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
