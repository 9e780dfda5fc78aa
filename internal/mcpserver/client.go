package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the execution core API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// CoreClient is a pure HTTP client for the execution core API.
type CoreClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewCoreClient creates a new client for the execution core.
func NewCoreClient(cfg Config) *CoreClient {
	return &CoreClient{
		cfg: cfg,
		httpClient: &http.Client{
			// Execution blocks until confirmation (or a human decision);
			// give it room.
			Timeout: 5 * time.Minute,
		},
	}
}

// apiError represents an error response from the core.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the core and returns the response body.
func (c *CoreClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// ExecuteTransaction submits a transaction through the safety pipeline.
func (c *CoreClient) ExecuteTransaction(ctx context.Context, to, valueWei, data string, amountUSD float64, kind, rationale string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions", nil, map[string]any{
		"to":        to,
		"valueWei":  valueWei,
		"data":      data,
		"amountUsd": amountUSD,
		"kind":      kind,
		"rationale": rationale,
	})
}

// WalletInfo returns the wallet account, tier, and pause state.
func (c *CoreClient) WalletInfo(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet", nil, nil)
}

// Spending returns the rolling window totals.
func (c *CoreClient) Spending(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/spending", nil, nil)
}

// PendingApprovals lists approval requests awaiting a decision.
func (c *CoreClient) PendingApprovals(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/approvals/pending", nil, nil)
}

// LookupContract resolves an address against the trust registry.
func (c *CoreClient) LookupContract(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/contracts/"+url.PathEscape(address), nil, nil)
}

// AuditEvents lists recent audit events.
func (c *CoreClient) AuditEvents(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/audit", q, nil)
}

// Pause triggers the wallet emergency pause.
func (c *CoreClient) Pause(ctx context.Context, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/pause", nil, map[string]any{"reason": reason})
}
