package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opsgate/opsgate/internal/types"
)

// DefaultRemoteBudget bounds how long a remote policy call may take before
// the engine falls back to local rules.
const DefaultRemoteBudget = 500 * time.Millisecond

// RemoteDecision is the structured decision returned by the remote policy
// service (an OPA-style endpoint).
type RemoteDecision struct {
	Allow                bool              `json:"allow"`
	Violations           []types.Violation `json:"violations"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	RiskScore            int               `json:"risk_score"`
}

// remoteRequest is the evaluation request body.
type remoteRequest struct {
	Command string            `json:"command"`
	User    map[string]string `json:"user"`
}

// RemoteClient talks to a remote policy service over HTTP.
// All calls are bounded by the configured budget so a slow or unreachable
// service cannot stall command submission.
type RemoteClient struct {
	baseURL string
	token   string
	budget  time.Duration
	client  *http.Client
}

// NewRemoteClient creates a client for the policy service at baseURL.
// budget <= 0 selects DefaultRemoteBudget.
func NewRemoteClient(baseURL, token string, budget time.Duration) *RemoteClient {
	if budget <= 0 {
		budget = DefaultRemoteBudget
	}
	return &RemoteClient{
		baseURL: baseURL,
		token:   token,
		budget:  budget,
		client:  &http.Client{Timeout: budget},
	}
}

// Evaluate sends the command for a decision. Any transport or decode
// failure is returned as an error; callers fall back to local evaluation.
func (c *RemoteClient) Evaluate(ctx context.Context, command, user string) (*RemoteDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	body, err := json.Marshal(remoteRequest{
		Command: command,
		User:    map[string]string{"id": user},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy service returned status %d", resp.StatusCode)
	}

	var decision RemoteDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &decision, nil
}

// Healthy probes the service's health endpoint within the budget.
func (c *RemoteClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
