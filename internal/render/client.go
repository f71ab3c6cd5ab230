// Package render calls the template service.
package render

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

	"github.com/example/push-service/internal/push"
)

const DefaultTimeout = 10 * time.Second

// Client renders templates through POST {BaseURL}/render/{code}.
type Client struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *http.Client
}

type renderResponse struct {
	Rendered *string `json:"rendered"`
}

func (c *Client) Render(ctx context.Context, code string, variables map[string]any) (string, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	body, err := json.Marshal(variables)
	if err != nil {
		return "", fmt.Errorf("marshal variables: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/render/" + url.PathEscape(code)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", push.RenderTimeout(fmt.Errorf("template %s: no response within %s", code, timeout))
		}
		return "", push.RenderUnavailable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", push.TemplateNotFound(fmt.Errorf("template %s", code))
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", push.RenderUnavailable(fmt.Errorf("template service returned %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", push.RenderTimeout(fmt.Errorf("template %s: body not received within %s", code, timeout))
		}
		return "", push.RenderUnavailable(fmt.Errorf("decode render response: %w", err))
	}
	if out.Rendered == nil {
		return "", push.RenderUnavailable(errors.New("render response missing rendered field"))
	}
	return *out.Rendered, nil
}
