package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DirectHTTP issues one outgoing HTTP POST per payload. Any network,
// timeout, or non-2xx response is delivered to the callback as an
// error Response rather than returned from Send (spec.md §4.1).
type DirectHTTP struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewDirectHTTP builds a DirectHTTP connector with a sane default
// client if none is supplied.
func NewDirectHTTP(url string, timeout time.Duration) *DirectHTTP {
	return &DirectHTTP{
		URL:     url,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *DirectHTTP) Send(ctx context.Context, task Task, onResponse OnResponse) error {
	body, err := json.Marshal(task.Payload)
	if err != nil {
		onResponse(task.TaskID, Response{Err: fmt.Errorf("direct_http: marshal payload: %w", err)})
		return nil
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		onResponse(task.TaskID, Response{Err: fmt.Errorf("direct_http: build request: %w", err)})
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		onResponse(task.TaskID, Response{Err: fmt.Errorf("direct_http: %w", err)})
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		onResponse(task.TaskID, Response{Err: fmt.Errorf("direct_http: service returned status %d", resp.StatusCode)})
		return nil
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		onResponse(task.TaskID, Response{Err: fmt.Errorf("direct_http: decode response: %w", err)})
		return nil
	}
	onResponse(task.TaskID, Response{Value: payload})
	return nil
}
