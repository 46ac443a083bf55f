// Package classifier is the HTTP client for the external severity
// classification service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

// Result is the classifier's verdict.
type Result struct {
	Score   float64  `json:"score"`
	Tier    string   `json:"tier"`
	Signals []string `json:"signals"`
}

// Client calls POST {endpoint}/classify.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a classifier client. timeout bounds each request.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type classifyRequest struct {
	Text    string   `json:"text"`
	History []string `json:"history,omitempty"`
}

// Classify scores text in the context of the subject's recent history.
// Transport errors, non-200 responses and out-of-range scores are errors.
func (c *Client) Classify(ctx context.Context, text string, history []string) (*Result, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u = u.JoinPath("classify")

	body, err := json.Marshal(classifyRequest{Text: text, History: history})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: endpoint is from trusted config
	if err != nil {
		return nil, fmt.Errorf("classify request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out Result
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if math.IsNaN(out.Score) || out.Score < 0 || out.Score > 1 {
		return nil, fmt.Errorf("classifier score %v outside [0,1]", out.Score)
	}
	return &out, nil
}
