// Package resources fetches resources and variables from the jobflow API and
// substitutes them into job arguments before execution.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/petrijr/jobflow/pkg/api"
)

const maxBody = 8 << 20

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	// RPS caps outgoing requests per second. Zero means unlimited.
	RPS        int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client performs authenticated GETs against the resource and variable
// endpoints.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewClient builds a Client.
func NewClient(opts Options) *Client {
	c := &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), opts.RPS)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// GetResource returns the interpolated value of the resource at path.
func (c *Client) GetResource(ctx context.Context, workspace, path, token string) (json.RawMessage, error) {
	body, err := c.get(ctx, fmt.Sprintf("/api/w/%s/resources/get_value_interpolated/%s", url.PathEscape(workspace), path), token)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", path, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("resource %s: invalid JSON body: %w", path, api.ErrNotFound)
	}
	return body, nil
}

// GetVariable returns the value of the variable at path.
func (c *Client) GetVariable(ctx context.Context, workspace, path, token string) (string, error) {
	body, err := c.get(ctx, fmt.Sprintf("/api/w/%s/variables/get_value/%s", url.PathEscape(workspace), path), token)
	if err != nil {
		return "", fmt.Errorf("variable %s: %w", path, err)
	}
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		// Plain text bodies are accepted as is.
		return string(body), nil
	}
	return s, nil
}

// get returns the body of a 2xx response. Every failure wraps ErrNotFound.
func (c *Client) get(ctx context.Context, path, token string) ([]byte, error) {
	if c.base == "" {
		return nil, fmt.Errorf("no base url configured: %w", api.ErrNotFound)
	}
	if token == "" {
		token = c.token
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %v: %w", err, api.ErrNotFound)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%v: %w", err, api.ErrNotFound)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %v: %w", err, api.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.DebugContext(ctx, "resource fetch failed", "path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, api.ErrNotFound)
	}
	return body, nil
}
