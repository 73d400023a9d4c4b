package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a running agentmgr control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds every request; stop and restart wait on the server
	// side, so it must exceed the service timeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

const defaultBaseURL = "http://127.0.0.1:45877/api"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 2 * time.Minute,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the manager is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Manager unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Manager reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

func (c *Client) Status(ctx context.Context) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Configure applies the manager's configuration file when req is empty, or
// the given binary and environment otherwise.
func (c *Client) Configure(ctx context.Context, req ConfigureRequest) (OperationResult, error) {
	var body any
	if req.BinaryPath != "" || len(req.Env) > 0 {
		body = req
	}
	var res OperationResult
	err := c.do(ctx, http.MethodPost, "/service/configure", body, &res)
	return res, err
}

func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/service/start", nil, nil)
}

func (c *Client) Stop(ctx context.Context, timeout time.Duration) (OperationResult, error) {
	return c.timed(ctx, "/service/stop", timeout)
}

func (c *Client) Restart(ctx context.Context, timeout time.Duration) (OperationResult, error) {
	return c.timed(ctx, "/service/restart", timeout)
}

func (c *Client) Remove(ctx context.Context, timeout time.Duration) (OperationResult, error) {
	return c.timed(ctx, "/service/remove", timeout)
}

func (c *Client) Lock(ctx context.Context) (LockStatus, error) {
	var l LockStatus
	err := c.do(ctx, http.MethodGet, "/lock", nil, &l)
	return l, err
}

func (c *Client) CheckUpdate(ctx context.Context) (UpdateCheck, error) {
	var u UpdateCheck
	err := c.do(ctx, http.MethodGet, "/update/check", nil, &u)
	return u, err
}

// History returns up to limit recent lifecycle events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &events)
	return events, err
}

func (c *Client) timed(ctx context.Context, path string, timeout time.Duration) (OperationResult, error) {
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	var res OperationResult
	err := c.do(ctx, http.MethodPost, path, nil, &res)
	return res, err
}

// do performs the request and decodes a 200 response into out. Error
// responses become *APIError; their result body, if any, still lands in out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	var req *http.Request
	var err error
	if rdr != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if resp.StatusCode == http.StatusOK && out == nil {
			return nil
		}
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusOK {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var er ErrorResponse
	_ = json.Unmarshal(raw, &er)
	if out != nil {
		_ = json.Unmarshal(raw, out)
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: er.Error}
}
