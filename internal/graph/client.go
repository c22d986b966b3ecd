// Package graph is a minimal client for the Instagram Graph API: sending
// messages, listing media comments and reading a single comment.
package graph

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

	"go.uber.org/zap"
)

// Client talks to the Graph API with a page access token.
type Client struct {
	accessToken string
	baseURL     string
	version     string
	pageID      string
	businessID  string
	httpClient  *http.Client
	logger      *zap.Logger
}

// Config holds the Graph API client configuration.
type Config struct {
	AccessToken string // page access token (required)
	BaseURL     string // default: https://graph.facebook.com
	Version     string // default: v18.0
	PageID      string // page that sends messages
	BusinessID  string // instagram business account that owns the media
	Timeout     time.Duration
}

// NewClient creates a new Graph API client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("ACCESS_TOKEN is required for the graph client")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Version == "" {
		cfg.Version = "v18.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		accessToken: cfg.AccessToken,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		version:     cfg.Version,
		pageID:      cfg.PageID,
		businessID:  cfg.BusinessID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

// BusinessID returns the instagram business account id.
func (c *Client) BusinessID() string {
	return c.businessID
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + c.version + "/" + strings.TrimLeft(path, "/")
}

// get issues a GET against a graph path or an absolute paging URL.
func (c *Client) get(ctx context.Context, rawURL string, params url.Values, out any) error {
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes a request. Non-2xx responses are returned as *Error; transport
// failures are returned as-is so callers can tell them apart.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("graph request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
