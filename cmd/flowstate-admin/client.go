package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
	"github.com/flowstate-dev/flowstate/internal/flowstate/protocol"
)

// APIClient is a thin client over the dispatcher's admin-facing HTTP
// surface: fleet view, task/run lookup, and run enqueue. Shape grounded on
// the teacher's legatorctl APIClient (bounded-timeout http.Client, bearer
// auth, JSON request/response helper).
type APIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewAPIClient(baseURL, apiKey string) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
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

func (c *APIClient) FleetView(ctx context.Context) (protocol.FleetView, error) {
	var out protocol.FleetView
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/fleet", nil, &out)
	return out, err
}

func (c *APIClient) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var out model.Task
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var out model.Run
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/runs/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type enqueueRunRequest struct {
	Action     string `json:"action"`
	Capability string `json:"capability"`
}

type enqueueRunResponse struct {
	RunID string `json:"run_id"`
}

func (c *APIClient) EnqueueRun(ctx context.Context, taskID, action, capability string) (string, error) {
	var out enqueueRunResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/runs", enqueueRunRequest{
		Action: action, Capability: capability,
	}, &out)
	return out.RunID, err
}

func (c *APIClient) SetDrain(ctx context.Context, runnerID string, drain bool) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/fleet/pending-config", protocol.SetPendingConfigRequest{
		RunnerID: runnerID,
		Config:   protocol.PendingConfig{Drain: &drain},
	}, nil)
}
