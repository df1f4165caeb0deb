// Package client is an HTTP client for the mongovisr admin API.
package client

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
)

// Client talks to a running mongovisr daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: config.Timeout},
		logger:  logger.With("component", "client"),
	}
}

// IsReachable checks if the daemon answers on its status endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx, false)
	return err == nil
}

// Status fetches the session status; withStats adds process resource figures.
func (c *Client) Status(ctx context.Context, withStats bool) (Status, error) {
	path := "/status"
	if withStats {
		path += "?stats=1"
	}
	var st Status
	err := c.do(ctx, http.MethodGet, path, &st)
	return st, err
}

// Shutdown asks the daemon to shut mongod down. Zero wait uses the daemon default.
func (c *Client) Shutdown(ctx context.Context, wait time.Duration) error {
	path := "/shutdown"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	return c.do(ctx, http.MethodPost, path, nil)
}

// Collection resolves a collection handle on the daemon's connection.
func (c *Client) Collection(ctx context.Context, name string) (Collection, error) {
	var out Collection
	err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), &out)
	return out, err
}

// ObjectID asks the daemon for a fresh ObjectID in hex form.
func (c *Client) ObjectID(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodGet, "/objectid", &out)
	return out.ID, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.logger.Debug("request", "method", method, "path", path)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("API error: status %d", resp.StatusCode)
}
