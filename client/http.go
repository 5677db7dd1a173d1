// Package client reaches relay operators on behalf of a watcher, either over
// the relay service's HTTP API or in-process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/metarelay/endpoint"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/submission"
)

const maxErrorBody = 1024

// HTTP submits requests to relay operators over their HTTP API.
type HTTP struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTP creates an HTTP transport with the given per-request timeout.
func NewHTTP(timeout time.Duration, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// errorBody is the relay service's error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Submit posts req to the operator's forward endpoint and returns the handle.
func (h *HTTP) Submit(ctx context.Context, ep endpoint.Endpoint, req *metatx.ForwardRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("client: marshal request: %w", err)
	}

	var sub submission.Submission
	if err := h.do(ctx, http.MethodPost, ep, "/v1/forward", body, &sub); err != nil {
		return "", err
	}
	return sub.ID.String(), nil
}

// Status fetches the operator's record of a submission.
func (h *HTTP) Status(ctx context.Context, ep endpoint.Endpoint, handle string) (*submission.Submission, error) {
	var sub submission.Submission
	if err := h.do(ctx, http.MethodGet, ep, "/v1/submissions/"+url.PathEscape(handle), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (h *HTTP) do(ctx context.Context, method string, ep endpoint.Endpoint, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(ep.URL, "/")+path, r)
	if err != nil {
		return fmt.Errorf("client: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "metarelay/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := h.client.Do(req) //nolint:gosec // G704: URL comes from operator configuration.
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, ep.Label(), err)
	}
	defer resp.Body.Close()

	h.logger.DebugContext(ctx, "relay request",
		"endpoint", ep.Label(), "method", method, "path", path,
		"status", resp.StatusCode, "latency_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
		return nil
	}
	return decodeError(resp)
}

// decodeError turns an error response into the protocol error it carries,
// or a plain error naming the status when it carries none.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		if err := metatx.FromCode(eb.Code, eb.Error); err != nil {
			return err
		}
		if eb.Error != "" {
			return fmt.Errorf("client: status %d: %s", resp.StatusCode, eb.Error)
		}
	}
	return fmt.Errorf("client: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
