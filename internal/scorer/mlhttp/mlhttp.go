// Package mlhttp scores messages with a remote classifier service over HTTP.
package mlhttp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

// PredictRequest is the classifier request body.
type PredictRequest struct {
	Text string `json:"text"`
}

// PredictResponse is the classifier reply. RiskScore is the probability of the risky class.
type PredictResponse struct {
	RiskScore *float64 `json:"risk_score"`
	Model     string   `json:"model,omitempty"`
}

// Client calls POST {baseURL}/predict.
type Client struct {
	baseURL string
	client  *resty.Client
}

var _ monitor.Scorer = (*Client)(nil)

// New returns a client for the classifier at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}
}

// Score implements monitor.Scorer.
func (c *Client) Score(ctx context.Context, text string) (float64, error) {
	var out PredictResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(PredictRequest{Text: text}).
		SetResult(&out).
		Post(c.baseURL + "/predict")
	if err != nil {
		return 0, fmt.Errorf("send predict request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode(), truncate(string(resp.Body()), 256))
	}
	if out.RiskScore == nil {
		return 0, fmt.Errorf("classifier response missing risk_score")
	}
	if err := monitor.CheckScore(*out.RiskScore); err != nil {
		return 0, err
	}
	return *out.RiskScore, nil
}

// Health calls GET {baseURL}/health and reports any non-200 as an error.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get(c.baseURL + "/health")
	if err != nil {
		return fmt.Errorf("send health request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("classifier health returned status %d", resp.StatusCode())
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
