package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentbridge/internal/domain"
)

// OperationsURL returns the orchestrator endpoint for a hub address.
func OperationsURL(addr string) string { return "http://" + addr + "/api/v1/operations" }

// UsageURL returns the usage report endpoint for a hub address.
func UsageURL(addr string) string { return "http://" + addr + "/api/v1/usage" }

// probeTimeout bounds a status query; an unresponsive hub counts as down.
const probeTimeout = 2 * time.Second

// APIClient talks to a hub's HTTP API.
type APIClient struct {
	Token string
	HTTP  *http.Client
}

// NewAPIClient returns a client sending token with every request.
func NewAPIClient(token string) *APIClient {
	return &APIClient{Token: token, HTTP: &http.Client{}}
}

// Probe fetches the status snapshot served at addr. Transport failures and
// non-200 replies are errors; callers treat an unreachable hub as not
// running.
func (c *APIClient) Probe(ctx context.Context, addr string) (domain.StatusSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var snap domain.StatusSnapshot
	err := c.do(ctx, http.MethodGet, StatusURL(addr), nil, &snap)
	return snap, err
}

// Execute runs an operation on the hub's orchestrator.
func (c *APIClient) Execute(ctx context.Context, addr string, req domain.OperationRequest) (domain.OperationResult, error) {
	var res domain.OperationResult
	err := c.do(ctx, http.MethodPost, OperationsURL(addr), req, &res)
	return res, err
}

// Usage decodes the hub's usage report into out.
func (c *APIClient) Usage(ctx context.Context, addr string, out any) error {
	return c.do(ctx, http.MethodGet, UsageURL(addr), nil, out)
}

func (c *APIClient) do(ctx context.Context, method, url string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("X-Bridge-Token", c.Token)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.NewSubSystemError("hub", "APIClient.do", domain.ErrTransport, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			if sentinel := domain.ErrorFromCode(apiErr.Code); sentinel != nil {
				return fmt.Errorf("hub: %w: %s", sentinel, apiErr.Error)
			}
			return fmt.Errorf("hub: %s", apiErr.Error)
		}
		return domain.NewSubSystemError("hub", "APIClient.do", domain.ErrTransport,
			fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
