package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/siteops/internal/api"
	"github.com/siteops/internal/certs"
	"github.com/siteops/internal/models"
)

// Client reads the status API of a running `siteops monitor`.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// ForListen builds a client for a listen address such as 127.0.0.1:9090.
func ForListen(listen string, timeout time.Duration) *Client {
	return New("http://"+listen, timeout)
}

func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	var st api.Status
	if err := c.get(ctx, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Alerts(ctx context.Context, level string) ([]models.AlertInstance, error) {
	query := url.Values{}
	if level != "" {
		query.Set("level", level)
	}
	var alerts []models.AlertInstance
	if err := c.get(ctx, "/api/v1/alerts", query, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (c *Client) Transitions(ctx context.Context, service string) ([]models.Transition, error) {
	query := url.Values{}
	if service != "" {
		query.Set("service", service)
	}
	var out []models.Transition
	if err := c.get(ctx, "/api/v1/transitions", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Certificates(ctx context.Context) ([]certs.DomainState, error) {
	var out []certs.DomainState
	if err := c.get(ctx, "/api/v1/certificates", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Deployments(ctx context.Context, plan string, limit int) ([]models.DeploymentRun, error) {
	query := url.Values{}
	if plan != "" {
		query.Set("plan", plan)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var runs []models.DeploymentRun
	if err := c.get(ctx, "/api/v1/deployments", query, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, v any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path.Join(u.Path, endpoint)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
