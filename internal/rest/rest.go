// Package rest is the JSON-over-HTTP transport shared by the auth client, the room gateway and the
// invitation generator.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/telemetry"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultErrorMessage = "An API error occurred"
)

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	base string
	hc   *http.Client
}

func NewClient(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		base: strings.TrimRight(c.BaseURL, "/"),
		hc:   hc,
	}
}

// Request describes one call. Op names the operation for metrics and logs, Path is relative to
// the base URL.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Token  string
	Body   any
}

// Do sends the request and decodes a successful JSON response into out, which may be nil.
// Non-2xx responses become *errors.Error built from the status and the server's message,
// transport failures become CodeUnavailable.
func (c *Client) Do(ctx context.Context, req Request, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = errors.Convert(err).Code.String()
		}
		telemetry.ObserveREST(req.Op, outcome, time.Since(start))
	}()

	hr, err := c.newRequest(ctx, req)
	if err != nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("rest: %s: build request", req.Op), errors.WithCause(err))
	}

	resp, err := c.hc.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Unavailable(fmt.Errorf("rest: %s: %w", req.Op, err))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Unavailable(fmt.Errorf("rest: %s: read body: %w", req.Op, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.FromHTTP(resp.StatusCode, errorMessage(b))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}

	if err := json.Unmarshal(b, out); err != nil {
		return errors.New(errors.CodeInternal, errors.WithMessagef("rest: %s: malformed response", req.Op), errors.WithCause(err))
	}

	return nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := c.base + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	hr, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}

	hr.Header.Set("Accept", "application/json")
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		hr.Header.Set("Authorization", "Bearer "+req.Token)
	}

	return hr, nil
}

// IsAuthPath reports whether the path belongs to the authentication endpoints, which never
// trigger a token refresh.
func IsAuthPath(path string) bool {
	return strings.Contains(path, "/auth/")
}

// errorMessage extracts error.message or message from an error body. An empty string means the
// body was empty or not JSON.
func errorMessage(b []byte) string {
	if len(bytes.TrimSpace(b)) == 0 {
		return ""
	}

	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return ""
	}

	if e, ok := body.Error.(map[string]any); ok {
		if m, ok := e["message"].(string); ok && m != "" {
			return m
		}
	}

	if body.Message != "" {
		return body.Message
	}

	return defaultErrorMessage
}
