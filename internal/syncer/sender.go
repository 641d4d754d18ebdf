package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/transsflow/fieldsync/internal/apperr"
)

const (
	defaultSendTimeout = 30 * time.Second
	maxResponseBytes   = 1 << 20
	maxErrorBodyChars  = 256
)

// Request is one write sent to the backend.
type Request struct {
	Endpoint       string
	Payload        json.RawMessage
	IdempotencyKey string
}

// Response is the backend's answer to a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Sender delivers a Request. A nil error means the backend acknowledged it
// with a 2xx status. Failures are *apperr.AppError values with
// CodeNetwork or CodeServer so the caller can classify them.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// HTTPSender POSTs JSON payloads to the backend.
type HTTPSender struct {
	baseURL    string
	creds      CredentialProvider
	httpClient *http.Client
}

// NewHTTPSender creates a sender for baseURL. A nil client gets a 30s timeout.
func NewHTTPSender(baseURL string, creds CredentialProvider, client *http.Client) *HTTPSender {
	if creds == nil {
		creds = NoCredentials
	}
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	return &HTTPSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: client,
	}
}

func (s *HTTPSender) Send(ctx context.Context, req Request) (*Response, error) {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(req.Endpoint), bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalid, "creating request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if token, ok := s.creds.CurrentToken(ctx); ok && token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNetwork, fmt.Sprintf("sending to %s", req.Endpoint), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNetwork, fmt.Sprintf("reading response from %s", req.Endpoint), err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, apperr.Server(resp.StatusCode, truncate(string(body), maxErrorBodyChars))
	}
	return out, nil
}

func (s *HTTPSender) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return s.baseURL + endpoint
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
