// Package runner implements the worker half of the worker↔dispatcher
// protocol: an HTTP client that registers, claims, reports progress, and
// reports completion, plus the pool that drives claimed runs through the
// pipeline concurrently, per spec §4.4.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowstate-dev/flowstate/internal/flowstate/pipeline"
	"github.com/flowstate-dev/flowstate/internal/flowstate/protocol"
)

// Client talks to the dispatcher over the worker↔dispatcher HTTP protocol.
// Grounded on the teacher's webhook notifier's bounded-timeout http.Client
// + JSON body idiom (internal/controlplane/webhook/notifier.go), the same
// shape autoscaler.HTTPPodProvider already reuses for the pod-provider
// side.
type Client struct {
	baseURL    string
	apiKey     string
	runnerID   string
	httpClient *http.Client
}

// NewClient builds a dispatcher client. apiKey may be empty when the
// dispatcher has authentication disabled.
func NewClient(baseURL, apiKey, runnerID string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		runnerID:   runnerID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Register sends a RegisterRequest and returns any PendingConfig the
// dispatcher wants applied.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (*protocol.PendingConfig, error) {
	var resp protocol.RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/register", req, &resp); err != nil {
		return nil, fmt.Errorf("runner: register: %w", err)
	}
	return resp.PendingConfig, nil
}

// Claim asks for the next eligible run. A nil ClaimResponse.Run means
// nothing was eligible — not an error.
func (c *Client) Claim(ctx context.Context) (*protocol.ClaimResponse, error) {
	req := protocol.ClaimRequest{RunnerID: c.runnerID}
	var resp protocol.ClaimResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/claim", req, &resp); err != nil {
		return nil, fmt.Errorf("runner: claim: %w", err)
	}
	return &resp, nil
}

// Progress implements pipeline.Reporter.
func (c *Client) Progress(ctx context.Context, runID, message string) error {
	req := protocol.ProgressRequest{RunID: runID, RunnerID: c.runnerID, Message: message}
	var resp protocol.ProgressResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/progress", req, &resp); err != nil {
		return fmt.Errorf("runner: progress: %w", err)
	}
	return nil
}

// Complete implements pipeline.Reporter.
func (c *Client) Complete(ctx context.Context, runID string, outcome pipeline.Outcome) error {
	req := protocol.CompleteRequest{
		RunID:    runID,
		RunnerID: c.runnerID,
		Outcome: protocol.Outcome{
			Status:     outcome.Status,
			Message:    outcome.Message,
			ExitCode:   outcome.ExitCode,
			BranchName: outcome.BranchName,
			PRUrl:      outcome.PRUrl,
			PRNumber:   outcome.PRNumber,
		},
	}
	var resp protocol.CompleteResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/complete", req, &resp); err != nil {
		return fmt.Errorf("runner: complete: %w", err)
	}
	return nil
}

// GetArtifact fetches a task or run artifact by its canonical key.
func (c *Client) GetArtifact(ctx context.Context, key string) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/artifacts/"+key, nil)
	if err != nil {
		return nil, false, fmt.Errorf("runner: get artifact %s: %w", key, err)
	}
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("runner: get artifact %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("runner: get artifact %s: read body: %w", key, err)
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("runner: get artifact %s: dispatcher returned %d: %s", key, resp.StatusCode, string(data))
	}
	return data, true, nil
}

// PutArtifact stores data under key.
func (c *Client) PutArtifact(ctx context.Context, key string, data []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v1/artifacts/"+key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("runner: put artifact %s: %w", key, err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("runner: put artifact %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("runner: put artifact %s: dispatcher returned %d: %s", key, resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatcher returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
