package autoscaler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PodProvider is the external collaborator spec §6 names for the cloud GPU
// pod lifecycle: create, start, stop, and poll status/cost. The concrete
// provider is injected; HTTPPodProvider below is a generic REST client
// grounding, the same bounded-timeout http.Client + JSON body idiom as the
// teacher's webhook notifier (internal/controlplane/webhook/notifier.go),
// generalized from "POST an event" to "drive a provider's pod API."
type PodProvider interface {
	Create(ctx context.Context, req CreateRequest) (podID string, err error)
	Start(ctx context.Context, podID string) error
	Stop(ctx context.Context, podID string) error
	Get(ctx context.Context, podID string) (PodStatusReport, error)
}

// CreateRequest carries everything spec §4.5 rule 2 says must be injected
// into the pod's environment on spin-up.
type CreateRequest struct {
	Template  string
	GPUType   string
	GPUCount  int
	NetworkVolume string
	Env       map[string]string
}

// PodStatusReport is the provider's view of a pod's current state and
// accrued cost since the last report.
type PodStatusReport struct {
	Status         string
	CostCentsSince int64
}

// HTTPPodProvider talks to a REST-ish GPU pod provider: POST /pods to
// create, POST /pods/{id}/start|stop to drive lifecycle, GET /pods/{id}
// for status and incremental cost. Field names and endpoint shape are
// provider-specific in practice; this client assumes a reasonably generic
// JSON contract and is meant to be swapped for a vendor SDK without
// touching the Controller.
type HTTPPodProvider struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

// NewHTTPPodProvider builds a provider client with a bounded per-request
// timeout — pod lifecycle calls must never hang the autoscaler's single
// control loop.
func NewHTTPPodProvider(baseURL, apiKey string) *HTTPPodProvider {
	return &HTTPPodProvider{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type createPodBody struct {
	Template      string            `json:"template"`
	GPUType       string            `json:"gpu_type"`
	GPUCount      int               `json:"gpu_count"`
	NetworkVolume string            `json:"network_volume,omitempty"`
	Env           map[string]string `json:"env"`
}

type createPodResponse struct {
	PodID string `json:"pod_id"`
}

type getPodResponse struct {
	Status         string `json:"status"`
	CostCentsSince int64  `json:"cost_cents_since"`
}

func (p *HTTPPodProvider) Create(ctx context.Context, req CreateRequest) (string, error) {
	body := createPodBody{
		Template:      req.Template,
		GPUType:       req.GPUType,
		GPUCount:      req.GPUCount,
		NetworkVolume: req.NetworkVolume,
		Env:           req.Env,
	}
	var resp createPodResponse
	if err := p.doJSON(ctx, http.MethodPost, "/pods", body, &resp); err != nil {
		return "", fmt.Errorf("autoscaler: create pod: %w", err)
	}
	if resp.PodID == "" {
		return "", fmt.Errorf("autoscaler: create pod: provider returned empty pod id")
	}
	return resp.PodID, nil
}

func (p *HTTPPodProvider) Start(ctx context.Context, podID string) error {
	if err := p.doJSON(ctx, http.MethodPost, "/pods/"+podID+"/start", nil, nil); err != nil {
		return fmt.Errorf("autoscaler: start pod %s: %w", podID, err)
	}
	return nil
}

func (p *HTTPPodProvider) Stop(ctx context.Context, podID string) error {
	if err := p.doJSON(ctx, http.MethodPost, "/pods/"+podID+"/stop", nil, nil); err != nil {
		return fmt.Errorf("autoscaler: stop pod %s: %w", podID, err)
	}
	return nil
}

func (p *HTTPPodProvider) Get(ctx context.Context, podID string) (PodStatusReport, error) {
	var resp getPodResponse
	if err := p.doJSON(ctx, http.MethodGet, "/pods/"+podID, nil, &resp); err != nil {
		return PodStatusReport{}, fmt.Errorf("autoscaler: get pod %s: %w", podID, err)
	}
	return PodStatusReport{Status: resp.Status, CostCentsSince: resp.CostCentsSince}, nil
}

func (p *HTTPPodProvider) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
