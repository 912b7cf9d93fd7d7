// Package autodca provides a thin HTTP client for the AutoDCA daemon
// REST API.
package autodca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AutoDCA REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ManualParams describes a user-dictated trade for manual mode.
type ManualParams struct {
	Source          string `json:"source"`
	Target          string `json:"target"`
	Amount          string `json:"amount"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
}

// ExecuteRequest is shared by schedule start and one-shot execution.
type ExecuteRequest struct {
	Personality     string        `json:"personality,omitempty"`
	Mode            string        `json:"mode,omitempty"`
	IntervalSeconds int64         `json:"interval_seconds,omitempty"`
	Manual          *ManualParams `json:"manual,omitempty"`
}

// Decision mirrors the daemon's decision history entries.
type Decision struct {
	ID          string `json:"id"`
	CreatedAt   int64  `json:"created_at"`
	Personality string `json:"personality"`
	Origin      string `json:"origin"`
	Action      struct {
		Action              string  `json:"action"`
		Source              string  `json:"source,omitempty"`
		Target              string  `json:"target,omitempty"`
		Amount              string  `json:"amount,omitempty"`
		DurationSeconds     int64   `json:"duration_seconds,omitempty"`
		Reason              string  `json:"reason,omitempty"`
		NextIntervalSeconds int64   `json:"next_interval_seconds,omitempty"`
		Confidence          float64 `json:"confidence,omitempty"`
	} `json:"action"`
	Executed bool `json:"executed"`
}

// RuleResult is a single audit rule verdict.
type RuleResult struct {
	Name           string `json:"name"`
	Severity       string `json:"severity"`
	Passed         bool   `json:"passed"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`
}

// AuditReport is the daemon's audit pipeline output.
type AuditReport struct {
	ID         string       `json:"id"`
	DecisionID string       `json:"decision_id"`
	CreatedAt  time.Time    `json:"created_at"`
	Status     string       `json:"status"`
	RiskScore  int          `json:"risk_score"`
	Results    []RuleResult `json:"results"`
}

// OperationHandle identifies a submitted on-chain batch operation.
type OperationHandle struct {
	ID          string    `json:"id"`
	TxHashes    []string  `json:"tx_hashes"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Receipt is the confirmation of a batch operation.
type Receipt struct {
	Success     bool   `json:"success"`
	Details     string `json:"details"`
	GasUsed     uint64 `json:"gas_used"`
	BlockNumber uint64 `json:"block_number"`
}

// ExecuteResult is the outcome of a single orchestration round.
type ExecuteResult struct {
	Decision *Decision        `json:"Decision"`
	Report   *AuditReport     `json:"Report"`
	Handle   *OperationHandle `json:"Handle,omitempty"`
	Receipt  *Receipt         `json:"Receipt,omitempty"`
}

// Status is the daemon's scheduling status.
type Status struct {
	Active            bool      `json:"active"`
	NextExecutionTime time.Time `json:"next_execution_time"`
	IntervalSeconds   int64     `json:"interval_seconds"`
	LastOperationID   string    `json:"last_operation_id"`
	LastError         string    `json:"last_error"`
}

// Grant is an issued capability grant.
type Grant struct {
	Schema    int      `json:"schema_version"`
	Grantor   string   `json:"grantor"`
	Grantee   string   `json:"grantee"`
	Targets   []string `json:"targets"`
	Selectors []string `json:"selectors"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
	Signature string   `json:"signature"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("autodca api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("autodca api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AutoDCA API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// StartSchedule starts (or restarts) the recurring DCA schedule.
func (c *Client) StartSchedule(ctx context.Context, req ExecuteRequest) (Status, error) {
	var status Status
	if err := c.post(ctx, "/api/v1/schedule/start", req, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// StopSchedule stops the recurring schedule. Idempotent.
func (c *Client) StopSchedule(ctx context.Context) (Status, error) {
	var status Status
	if err := c.post(ctx, "/api/v1/schedule/stop", nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Execute runs one full decide-audit-execute round immediately.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	var result ExecuteResult
	if err := c.post(ctx, "/api/v1/execute", req, &result); err != nil {
		return ExecuteResult{}, err
	}
	return result, nil
}

// RenewGrant issues a fresh capability grant, replacing any cached one.
func (c *Client) RenewGrant(ctx context.Context) (Grant, error) {
	var grant Grant
	if err := c.post(ctx, "/api/v1/grant/renew", nil, &grant); err != nil {
		return Grant{}, err
	}
	return grant, nil
}

// GetStatus fetches the current scheduling status.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var status Status
	if err := c.get(ctx, "/api/v1/status", nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Decisions lists recent decisions, most recent first.
func (c *Client) Decisions(ctx context.Context, limit int) ([]Decision, error) {
	var decisions []Decision
	if err := c.get(ctx, "/api/v1/decisions", limitQuery(limit), &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// Audits lists recent audit reports, most recent first.
func (c *Client) Audits(ctx context.Context, limit int) ([]AuditReport, error) {
	var reports []AuditReport
	if err := c.get(ctx, "/api/v1/audits", limitQuery(limit), &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
