package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultHTTPTimeout = 15 * time.Second

// envelope is the body every dashboard endpoint accepts.
type envelope struct {
	Type  Kind   `json:"type"`
	RunID string `json:"run_id,omitempty"`
	Data  any    `json:"data"`
}

// HTTPSink POSTs JSON envelopes to the dashboard API.
type HTTPSink struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPSink{url: strings.TrimSpace(url), client: &http.Client{}, timeout: timeout}
}

func (s *HTTPSink) Push(ctx context.Context, runID string, kind Kind, data any) error {
	body, err := json.Marshal(envelope{Type: kind, RunID: runID, Data: data})
	if err != nil {
		return &PushError{Kind: kind, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &PushError{Kind: kind, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	resp, err := s.client.Do(req)
	if err != nil {
		return &PushError{Kind: kind, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &PushError{Kind: kind, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
