package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cxhttp "github.com/fyrsmithlabs/cortexd/internal/http"
)

// apiError is a non-2xx reply from the server.
type apiError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned status %d", e.Status)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += " (" + e.Message + ")"
	}
	if e.RequestID != "" {
		msg += " [request " + e.RequestID + "]"
	}
	return msg
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(opts *options, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(opts.serverURL, "/"),
		apiKey:  opts.apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// send issues the request and returns the response when the status is 2xx.
// The caller closes the body.
func (c *client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(cxhttp.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

// do sends the request and decodes a JSON reply into out.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apiErr
	}
	var body cxhttp.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Code = body.Error
		apiErr.Message = body.Message
		apiErr.RequestID = body.RequestID
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
