package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/transsflow/fieldsync/internal/config"
)

// apiPrefix is where the daemon mounts its management API. Every other
// path belongs to the proxied application.
const apiPrefix = "/_fieldsync"

// outcomeHeader tells queued, sent and rejected writes apart on POST /outbox.
const outcomeHeader = "X-Fieldsync-Outcome"

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}
	// Long enough for a drain over a slow link; POST /sync answers only
	// when the pass is over.
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Server.Port, apiPrefix),
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// reply is a 2xx answer from the daemon.
type reply struct {
	Status  int
	Outcome string
	Body    []byte
}

// apiError is a non-2xx answer. Message comes from the daemon's
// {"error":{"message":...}} envelope when there is one; a rejected write
// carries the backend's own body instead.
type apiError struct {
	Status  int
	Outcome string
	Message string
	Body    string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Body)
}

// call sends body as JSON and, on success, decodes the answer into out
// when out is non-nil.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) (reply, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return reply{}, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return reply{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return reply{}, fmt.Errorf("daemon not reachable, is fieldsync running? (%w)", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{}, fmt.Errorf("reading daemon response: %w", err)
	}
	r := reply{Status: resp.StatusCode, Outcome: resp.Header.Get(outcomeHeader), Body: data}
	if resp.StatusCode >= 400 {
		return r, newAPIError(r)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return r, fmt.Errorf("decoding daemon response: %w", err)
		}
	}
	return r, nil
}

func newAPIError(r reply) *apiError {
	e := &apiError{Status: r.Status, Outcome: r.Outcome, Body: string(bytes.TrimSpace(r.Body))}
	if r.Outcome == "rejected" {
		return e
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(r.Body, &envelope) == nil {
		e.Message = envelope.Error.Message
	}
	return e
}
