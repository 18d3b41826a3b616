// Package client is a Go SDK for the quota-engine API, intended for
// the survey runtime that calls the admission check on the hot path.
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
)

// Client is a Go SDK for the quota-engine API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new quota-engine client
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// apiErrorBody is the error half of the response envelope
type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// asError is nil-safe: a non-success envelope without an error body
// still yields a usable error instead of a nil dereference.
func (e *apiErrorBody) asError() error {
	if e == nil {
		return fmt.Errorf("API error: malformed response envelope")
	}
	return fmt.Errorf("API error: %s - %s", e.Code, e.Message)
}

// AdmissionRequest is one admission check
type AdmissionRequest struct {
	SurveyID     string                 `json:"survey_id"`
	QuestionID   string                 `json:"question_id,omitempty"`
	RespondentID string                 `json:"respondent_id"`
	Answers      map[string]interface{} `json:"answers"`
}

// CellOutcome records what happened at one quota cell
type CellOutcome struct {
	CellID   string `json:"cell_id"`
	PolicyID string `json:"policy_id"`
	Label    string `json:"label,omitempty"`
	Matched  bool   `json:"matched"`
	Admitted bool   `json:"admitted"`
	Count    int64  `json:"count"`
	Cap      int64  `json:"cap"`
	Warned   bool   `json:"warned,omitempty"`
}

// BlockAction carries the blocking policy's configured action
type BlockAction struct {
	PolicyID    string `json:"policy_id"`
	PolicyName  string `json:"policy_name,omitempty"`
	Action      string `json:"action"`
	Message     string `json:"message,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// AdmissionDecision is the result of one admission check
type AdmissionDecision struct {
	CheckID   string        `json:"check_id"`
	Verdict   string        `json:"verdict"`
	Outcomes  []CellOutcome `json:"matched_cells"`
	BlockedBy *BlockAction  `json:"blocked_by,omitempty"`
	Warnings  []string      `json:"warned_cells,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Verdict values
const (
	VerdictAllow            = "allow"
	VerdictBlock            = "block"
	VerdictAllowWithWarning = "allow_with_warning"
)

// Policy is a quota policy as returned by the API
type Policy struct {
	ID            string            `json:"id"`
	SurveyID      string            `json:"survey_id"`
	QuestionID    string            `json:"question_id,omitempty"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	QuotaType     string            `json:"quota_type"`
	StopCondition string            `json:"stop_condition"`
	WhenMet       string            `json:"when_met"`
	ActionPayload map[string]string `json:"action_payload,omitempty"`
	IsEnabled     bool              `json:"is_enabled"`
	CreatedAt     time.Time         `json:"created_at"`
	Cells         []Cell            `json:"cells,omitempty"`
}

// Cell is one countable bucket inside a policy
type Cell struct {
	ID             string          `json:"id"`
	PolicyID       string          `json:"policy_id"`
	Label          string          `json:"label"`
	Cap            int64           `json:"cap"`
	Condition      json.RawMessage `json:"condition,omitempty"`
	TargetOptionID string          `json:"target_option_id,omitempty"`
	IsEnabled      bool            `json:"is_enabled"`
}

// CellSnapshot is a cell's live counter state
type CellSnapshot struct {
	CellID       string     `json:"cell_id"`
	PolicyID     string     `json:"policy_id"`
	Label        string     `json:"label"`
	Cap          int64      `json:"cap"`
	CurrentCount int64      `json:"current_count"`
	CapReached   bool       `json:"cap_reached"`
	LastAdmitted *time.Time `json:"last_admitted_at,omitempty"`
}

// CheckAdmission runs one admission check
func (c *Client) CheckAdmission(ctx context.Context, req AdmissionRequest) (*AdmissionDecision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", "/api/v1/admissions/check", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool               `json:"success"`
		Data    *AdmissionDecision `json:"data"`
		Error   *apiErrorBody      `json:"error"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !result.Success {
		return nil, result.Error.asError()
	}

	return result.Data, nil
}

// GetPolicy retrieves a policy by ID
func (c *Client) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	resp, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/v1/policies/%s", url.PathEscape(id)), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool          `json:"success"`
		Data    *Policy       `json:"data"`
		Error   *apiErrorBody `json:"error"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !result.Success {
		return nil, result.Error.asError()
	}

	return result.Data, nil
}

// ListSurveyPolicies retrieves the enabled policies of a survey.
// questionID narrows the listing to policies bound to that question.
func (c *Client) ListSurveyPolicies(ctx context.Context, surveyID, questionID string) ([]*Policy, error) {
	path := fmt.Sprintf("/api/v1/surveys/%s/policies", url.PathEscape(surveyID))
	if questionID != "" {
		path += "?question_id=" + url.QueryEscape(questionID)
	}

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Policies []*Policy `json:"policies"`
			Total    int       `json:"total"`
		} `json:"data"`
		Error *apiErrorBody `json:"error"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !result.Success {
		return nil, result.Error.asError()
	}

	return result.Data.Policies, nil
}

// GetSurveyCounters retrieves live counter snapshots for a survey
func (c *Client) GetSurveyCounters(ctx context.Context, surveyID string) ([]CellSnapshot, error) {
	resp, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/v1/surveys/%s/counters", url.PathEscape(surveyID)), nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			SurveyID string         `json:"survey_id"`
			Cells    []CellSnapshot `json:"cells"`
			Total    int            `json:"total"`
		} `json:"data"`
		Error *apiErrorBody `json:"error"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !result.Success {
		return nil, result.Error.asError()
	}

	return result.Data.Cells, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/health", nil)
	return err
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
