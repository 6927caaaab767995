package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	httpapi "github.com/fyrsmithlabs/protocold/internal/http"
)

// apiError is a non-2xx response. Result is set when the server persisted
// a result alongside the failure.
type apiError struct {
	Status int
	Body   httpapi.ErrorResponse
	Result *httpapi.ResultResponse
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned status %d", e.Status)
	if e.Body.Code != "" {
		msg += fmt.Sprintf(" (%s)", e.Body.Code)
	}
	if e.Body.Message != "" {
		msg += ": " + e.Body.Message
	}
	return msg
}

// client calls the protocold HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func instancePath(kind, sessionID string, suffix ...string) string {
	parts := []string{"/v1/protocols", url.PathEscape(kind), url.PathEscape(sessionID)}
	for _, s := range suffix {
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/")
}

// do sends body as JSON and decodes a 2xx response into out. raw receives
// the response body verbatim when non-nil.
func (c *client) do(ctx context.Context, method, path string, body, out any, raw *[]byte) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if raw != nil {
		*raw = data
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func decodeError(status int, data []byte) error {
	apiErr := &apiError{Status: status}
	var result httpapi.ResultResponse
	if json.Unmarshal(data, &result) == nil && result.State != nil {
		apiErr.Result = &result
		if result.Error != nil {
			apiErr.Body = *result.Error
		}
		return apiErr
	}
	if json.Unmarshal(data, &apiErr.Body) != nil || apiErr.Body.Message == "" {
		apiErr.Body.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// resultOf returns the result carried by err, if any.
func resultOf(err error) *httpapi.ResultResponse {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Result
	}
	return nil
}
