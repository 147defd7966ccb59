// Package client talks to the correlate HTTP API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/dlq"
	"github.com/telhawk-systems/chainhawk/correlate/internal/engine"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

const contentType = "application/vnd.api+json"

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Stats is the engine counter view, with dead-letter figures when the server has a DLQ.
type Stats struct {
	models.Stats
	DeadLetter *dlq.Stats `json:"dead_letter,omitempty"`
}

// Pattern is the API view of an attack pattern. Durations arrive as strings.
type Pattern struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Version           string                 `json:"version,omitempty"`
	Description       string                 `json:"description,omitempty"`
	Phases            []catalog.Phase        `json:"phases"`
	Window            string                 `json:"window"`
	Threshold         int                    `json:"threshold"`
	TriggerCondition  string                 `json:"trigger_condition,omitempty"`
	Severity          string                 `json:"severity"`
	SuppressionWindow string                 `json:"suppression_window,omitempty"`
	EscalationPath    string                 `json:"escalation_path,omitempty"`
	RunbookReference  string                 `json:"runbook_reference,omitempty"`
	Playbooks         []catalog.Playbook     `json:"playbooks,omitempty"`
	DecisionMatrix    []catalog.DecisionRule `json:"decision_matrix,omitempty"`
}

// CatalogStatus describes the catalog after a reload.
type CatalogStatus struct {
	Patterns    int       `json:"patterns"`
	Skipped     int       `json:"skipped"`
	Fingerprint string    `json:"fingerprint"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// BatchSummary is the meta block of a batch ingest.
type BatchSummary struct {
	Events    int `json:"events"`
	Incidents int `json:"incidents"`
}

// Pagination mirrors meta.pagination of collection responses.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// IncidentFilter selects incidents. A non-empty Query switches to full-text search.
type IncidentFilter struct {
	Page      int
	Limit     int
	Status    string
	PatternID string
	EntityKey string
	Severity  string
	Query     string
}

func (f IncidentFilter) values() url.Values {
	v := url.Values{}
	if f.Page > 0 {
		v.Set("page[number]", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		v.Set("page[size]", strconv.Itoa(f.Limit))
	}
	for key, val := range map[string]string{
		"status":     f.Status,
		"pattern_id": f.PatternID,
		"entity_key": f.EntityKey,
		"severity":   f.Severity,
		"q":          f.Query,
	} {
		if val != "" {
			v.Set(key, val)
		}
	}
	return v
}

// New creates a client for the correlate API at baseURL. token may be empty.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) doRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(bodyBytes)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.client.Do(req)
}

// do sends a request and decodes a 200 response into out.
func (c *Client) do(method, path string, body, out interface{}) error {
	resp, err := c.doRequest(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	var errResp jsonAPIResponse
	if err := json.Unmarshal(bodyBytes, &errResp); err == nil && len(errResp.Errors) > 0 {
		e := errResp.Errors[0]
		if e.Detail != "" {
			return &APIError{StatusCode: resp.StatusCode, Title: e.Title, Detail: e.Detail}
		}
		return &APIError{StatusCode: resp.StatusCode, Title: e.Title}
	}
	return &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode), Detail: strings.TrimSpace(string(bodyBytes))}
}

// APIError is a non-200 answer from the server.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Title, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Title, e.Detail, e.StatusCode)
}

// IngestEvent posts one raw event.
func (c *Client) IngestEvent(evt models.RawEvent) (*engine.Result, error) {
	var resp struct {
		Data resource[engine.Result] `json:"data"`
	}
	if err := c.do(http.MethodPost, "/api/v1/events", evt, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Attributes, nil
}

// IngestBatch posts events as one batch.
func (c *Client) IngestBatch(events []models.RawEvent) ([]*engine.Result, BatchSummary, error) {
	var resp struct {
		Data []resource[engine.Result] `json:"data"`
		Meta BatchSummary              `json:"meta"`
	}
	body := map[string]interface{}{"events": events}
	if err := c.do(http.MethodPost, "/api/v1/events/batch", body, &resp); err != nil {
		return nil, BatchSummary{}, err
	}

	results := make([]*engine.Result, 0, len(resp.Data))
	for i := range resp.Data {
		results = append(results, &resp.Data[i].Attributes)
	}
	return results, resp.Meta, nil
}

func (c *Client) Stats() (*Stats, error) {
	var resp struct {
		Data resource[Stats] `json:"data"`
	}
	if err := c.do(http.MethodGet, "/api/v1/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Attributes, nil
}

// Entity returns the window state held for an entity key.
func (c *Client) Entity(key string) (*models.EntitySnapshot, error) {
	var resp struct {
		Data resource[models.EntitySnapshot] `json:"data"`
	}
	if err := c.do(http.MethodGet, "/api/v1/entities/"+url.PathEscape(key), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Attributes, nil
}

// ClearEntity drops the state of one entity and returns how many states were removed.
func (c *Client) ClearEntity(key string) (int, error) {
	return c.clear("/api/v1/entities/" + url.PathEscape(key))
}

// ClearAll drops all engine state.
func (c *Client) ClearAll() (int, error) {
	return c.clear("/api/v1/entities")
}

func (c *Client) clear(path string) (int, error) {
	var resp struct {
		Meta struct {
			StatesCleared int `json:"states_cleared"`
		} `json:"meta"`
	}
	if err := c.do(http.MethodDelete, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Meta.StatesCleared, nil
}

func (c *Client) ListPatterns() ([]Pattern, error) {
	var resp struct {
		Data []resource[Pattern] `json:"data"`
	}
	if err := c.do(http.MethodGet, "/api/v1/patterns", nil, &resp); err != nil {
		return nil, err
	}

	patterns := make([]Pattern, 0, len(resp.Data))
	for _, r := range resp.Data {
		patterns = append(patterns, r.Attributes)
	}
	return patterns, nil
}

func (c *Client) GetPattern(id string) (*Pattern, error) {
	var resp struct {
		Data resource[Pattern] `json:"data"`
	}
	if err := c.do(http.MethodGet, "/api/v1/patterns/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Attributes, nil
}

// ReloadPatterns asks the server to re-read its pattern directory.
func (c *Client) ReloadPatterns() (*CatalogStatus, error) {
	var resp struct {
		Data resource[CatalogStatus] `json:"data"`
	}
	if err := c.do(http.MethodPost, "/api/v1/patterns/reload", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Attributes, nil
}

func (c *Client) ListIncidents(f IncidentFilter) ([]*models.Incident, *Pagination, error) {
	path := "/api/v1/incidents"
	if q := f.values().Encode(); q != "" {
		path += "?" + q
	}

	var resp struct {
		Data []resource[models.Incident] `json:"data"`
		Meta struct {
			Pagination *Pagination `json:"pagination"`
		} `json:"meta"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, nil, err
	}

	incidents := make([]*models.Incident, 0, len(resp.Data))
	for i := range resp.Data {
		incidents = append(incidents, &resp.Data[i].Attributes)
	}
	return incidents, resp.Meta.Pagination, nil
}

// GetIncident accepts an incident id or reference.
func (c *Client) GetIncident(id string) (*models.Incident, error) {
	var resp struct {
		Data resource[models.Incident] `json:"data"`
	}
	if err := c.do(http.MethodGet, "/api/v1/incidents/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Attributes, nil
}

func (c *Client) UpdateIncident(id string, req models.UpdateIncidentRequest) (*models.Incident, error) {
	var resp struct {
		Data resource[models.Incident] `json:"data"`
	}
	if err := c.do(http.MethodPatch, "/api/v1/incidents/"+url.PathEscape(id), req, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Attributes, nil
}
