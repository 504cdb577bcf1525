// Package client provides a typed Go client for the WorkGraph policy API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Mindburn-Labs/workgraph/pkg/api"
	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/overlay"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
	"github.com/Mindburn-Labs/workgraph/pkg/simulation"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status   int
	Title    string
	Detail   string
	TraceID  string
	Findings policy.Findings
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("workgraph api %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("workgraph api %d: %s: %s", e.Status, e.Title, e.Detail)
}

// Client is a typed client for the WorkGraph policy API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var problem api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
			return &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		}
		return &APIError{
			Status:   resp.StatusCode,
			Title:    problem.Title,
			Detail:   problem.Detail,
			TraceID:  problem.TraceID,
			Findings: problem.Findings,
		}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, suffix string) string {
	return "/api/v1/projects/" + url.PathEscape(projectID) + suffix
}

// CompileRequest is the body of a compile call.
type CompileRequest struct {
	Graph       *graph.Graph        `json:"graph"`
	CompiledBy  string              `json:"compiledBy,omitempty"`
	VersionName string              `json:"versionName,omitempty"`
	Activate    bool                `json:"activate"`
	WorkTypes   []string            `json:"workTypes,omitempty"`
	AutoApprove *policy.AutoApprove `json:"autoApprove,omitempty"`
}

// Compile calls POST /api/v1/projects/{projectID}/compile. A rejected graph
// returns an *APIError carrying the findings.
func (c *Client) Compile(ctx context.Context, projectID string, req CompileRequest) (*versioning.CompileResult, error) {
	var out versioning.CompileResult
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/compile"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VersionSummary is one entry of ListVersions.
type VersionSummary struct {
	ID          string    `json:"id"`
	Version     int       `json:"version"`
	VersionName string    `json:"versionName,omitempty"`
	ContentHash string    `json:"contentHash"`
	IsActive    bool      `json:"isActive"`
	IsPublished bool      `json:"isPublished"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListVersions calls GET /api/v1/projects/{projectID}/versions.
func (c *Client) ListVersions(ctx context.Context, projectID string) ([]VersionSummary, error) {
	var out struct {
		Versions []VersionSummary `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, projectPath(projectID, "/versions"), nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// ActiveVersion calls GET /api/v1/projects/{projectID}/versions/active.
func (c *Client) ActiveVersion(ctx context.Context, projectID string) (*versioning.PolicyVersion, error) {
	var out versioning.PolicyVersion
	if err := c.do(ctx, http.MethodGet, projectPath(projectID, "/versions/active"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Activate calls POST /api/v1/versions/{versionID}/activate.
func (c *Client) Activate(ctx context.Context, versionID string) (*versioning.PolicyVersion, error) {
	var out versioning.PolicyVersion
	if err := c.do(ctx, http.MethodPost, "/api/v1/versions/"+url.PathEscape(versionID)+"/activate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rollback calls POST /api/v1/projects/{projectID}/rollback.
func (c *Client) Rollback(ctx context.Context, projectID string, version int) (*versioning.PolicyVersion, error) {
	var out versioning.PolicyVersion
	body := map[string]int{"version": version}
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/rollback"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Simulate calls POST /api/v1/projects/{projectID}/simulate. A non-empty
// workItemID simulates against the work item's pinned version.
func (c *Client) Simulate(ctx context.Context, projectID, workItemID string, in simulation.Input) (*simulation.Result, error) {
	body := struct {
		WorkItemID string `json:"workItemId,omitempty"`
		simulation.Input
	}{WorkItemID: workItemID, Input: in}
	var out simulation.Result
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/simulate"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Diff calls GET /api/v1/versions/{from}/diff/{to}.
func (c *Client) Diff(ctx context.Context, fromID, toID string) (*policy.PolicyDiff, error) {
	var out policy.PolicyDiff
	path := "/api/v1/versions/" + url.PathEscape(fromID) + "/diff/" + url.PathEscape(toID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overlay calls POST /api/v1/overlay.
func (c *Client) Overlay(ctx context.Context, g *graph.Graph, mode overlay.Mode) (*overlay.Result, error) {
	body := struct {
		Graph *graph.Graph `json:"graph"`
		Mode  overlay.Mode `json:"mode"`
	}{Graph: g, Mode: mode}
	var out overlay.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/overlay", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pin calls PUT /api/v1/work-items/{workItemID}/pin.
func (c *Client) Pin(ctx context.Context, req versioning.PinRequest) (*versioning.Pin, error) {
	var out versioning.Pin
	path := "/api/v1/work-items/" + url.PathEscape(req.WorkItemID) + "/pin"
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PinStatus calls GET /api/v1/work-items/{workItemID}/pin.
func (c *Client) PinStatus(ctx context.Context, workItemID string) (*versioning.Pin, error) {
	var out versioning.Pin
	if err := c.do(ctx, http.MethodGet, "/api/v1/work-items/"+url.PathEscape(workItemID)+"/pin", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rebind calls POST /api/v1/rebind.
func (c *Client) Rebind(ctx context.Context, req versioning.RebindRequest) (*versioning.RebindResult, error) {
	var out versioning.RebindResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/rebind", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
