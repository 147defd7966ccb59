// Package handlers implements the HTTP API of the correlate service.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/chainhawk/common/httputil"
	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/common/messaging"

	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/dlq"
	"github.com/telhawk-systems/chainhawk/correlate/internal/engine"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
	"github.com/telhawk-systems/chainhawk/correlate/internal/repository"
	"github.com/telhawk-systems/chainhawk/correlate/internal/service"
)

const (
	// DefaultMaxBodyBytes caps request bodies when no limit is configured.
	DefaultMaxBodyBytes = 10 << 20

	// MaxBatchEvents caps the number of events accepted by one batch request.
	MaxBatchEvents = 10000
)

// Engine is the part of the correlation engine exposed over HTTP.
type Engine interface {
	Process(ctx context.Context, raw models.RawEvent) *engine.Result
	ProcessBatch(ctx context.Context, events []models.RawEvent) []*engine.Result
	Stats() models.Stats
	EntitySnapshot(entity string) models.EntitySnapshot
	ClearEntity(entity string) int
	ClearAll() int
}

// Catalog exposes the loaded patterns.
type Catalog interface {
	Snapshot() *catalog.Snapshot
	Get(id string) (*catalog.AttackPattern, error)
	Reload(ctx context.Context) (*catalog.Snapshot, error)
}

// IncidentService reads and updates persisted incidents.
type IncidentService interface {
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, req *models.ListIncidentsRequest) (*models.ListIncidentsResponse, error)
	UpdateIncident(ctx context.Context, id string, req *models.UpdateIncidentRequest) (*models.Incident, error)
	SearchIncidents(ctx context.Context, text string, limit int) (*models.ListIncidentsResponse, error)
	Ping(ctx context.Context) error
}

// DeadLetterStats reports the dead-letter queue state.
type DeadLetterStats interface {
	Stats() dlq.Stats
}

// Option configures a Handler.
type Option func(*Handler)

// WithIncidents enables the incident routes.
func WithIncidents(svc IncidentService) Option {
	return func(h *Handler) { h.incidents = svc }
}

// WithDeadLetterStats adds the dead-letter queue to /api/v1/stats.
func WithDeadLetterStats(s DeadLetterStats) Option {
	return func(h *Handler) { h.dlq = s }
}

// WithMessageBus adds the message bus connection to the readiness check.
func WithMessageBus(c messaging.Client) Option {
	return func(h *Handler) { h.bus = c }
}

// WithMaxBodyBytes sets the request body limit.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

type Handler struct {
	engine       Engine
	catalog      Catalog
	incidents    IncidentService
	dlq          DeadLetterStats
	bus          messaging.Client
	logger       *logging.Logger
	maxBodyBytes int64
}

func NewHandler(eng Engine, cat Catalog, opts ...Option) *Handler {
	h := &Handler{
		engine:       eng,
		catalog:      cat,
		logger:       logging.Discard(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck handles GET /readyz. The service is ready once a catalog
// generation exists and the configured backends answer.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if snap := h.catalog.Snapshot(); snap == nil || snap.LoadedAt.IsZero() {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "catalog not loaded"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.bus != nil {
		if st := messaging.CheckClientHealth(ctx, h.bus); !st.Connected {
			h.logger.WarnContext(ctx, "readiness check failed", "reason", st.Error)
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "message bus unavailable"})
			return
		}
	}
	if h.incidents != nil {
		if err := h.incidents.Ping(ctx); err != nil {
			h.logger.WarnContext(r.Context(), "readiness check failed", logging.Error(err))
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "database unavailable"})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =============================================================================
// Events
// =============================================================================

// IngestEvent handles POST /api/v1/events
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var raw models.RawEvent
	if err := httputil.DecodeJSON(r, &raw, h.maxBodyBytes); err != nil {
		httputil.WriteJSONAPIValidationError(w, err.Error())
		return
	}
	if raw.Payload == nil {
		httputil.WriteJSONAPIValidationError(w, "payload is required")
		return
	}

	res := h.engine.Process(r.Context(), raw)
	httputil.WriteJSONAPIResource(w, http.StatusOK, "event_result", res.EventID, res)
}

// batchRequest is the object form of a batch body. A bare JSON array is accepted too.
type batchRequest struct {
	Events []models.RawEvent `json:"events"`
}

// IngestBatch handles POST /api/v1/events/batch
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := httputil.DecodeJSON(r, &body, h.maxBodyBytes); err != nil {
		httputil.WriteJSONAPIValidationError(w, err.Error())
		return
	}

	events, err := decodeBatch(body)
	if err != nil {
		httputil.WriteJSONAPIValidationError(w, err.Error())
		return
	}
	if len(events) == 0 {
		httputil.WriteJSONAPIValidationError(w, "events must not be empty")
		return
	}
	if len(events) > MaxBatchEvents {
		httputil.WriteJSONAPIValidationError(w, fmt.Sprintf("batch exceeds %d events", MaxBatchEvents))
		return
	}

	results := h.engine.ProcessBatch(r.Context(), events)
	resources := make([]httputil.JSONAPIResource, 0, len(results))
	incidents := 0
	for _, res := range results {
		incidents += len(res.Incidents)
		resources = append(resources, httputil.JSONAPIResource{Type: "event_result", ID: res.EventID, Attributes: res})
	}

	httputil.WriteJSONAPI(w, http.StatusOK, map[string]interface{}{
		"data": resources,
		"meta": map[string]int{"events": len(results), "incidents": incidents},
	})
}

func decodeBatch(body []byte) ([]models.RawEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var events []models.RawEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("invalid events array: %w", err)
		}
		return events, nil
	}

	var req batchRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("invalid batch request: %w", err)
	}
	return req.Events, nil
}

// =============================================================================
// Engine inspection
// =============================================================================

type statsView struct {
	models.Stats
	DeadLetter *dlq.Stats `json:"dead_letter,omitempty"`
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	view := statsView{Stats: h.engine.Stats()}
	if h.dlq != nil {
		st := h.dlq.Stats()
		view.DeadLetter = &st
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, "stats", "engine", view)
}

// GetEntity handles GET /api/v1/entities/{key}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		httputil.WriteJSONAPIValidationError(w, "entity key is required")
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, "entity", key, h.engine.EntitySnapshot(key))
}

// ClearEntity handles DELETE /api/v1/entities/{key}
func (h *Handler) ClearEntity(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		httputil.WriteJSONAPIValidationError(w, "entity key is required")
		return
	}
	n := h.engine.ClearEntity(key)
	httputil.WriteJSONAPI(w, http.StatusOK, map[string]interface{}{
		"meta": map[string]interface{}{"entity_key": key, "states_cleared": n},
	})
}

// ClearAll handles DELETE /api/v1/entities
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	n := h.engine.ClearAll()
	httputil.WriteJSONAPI(w, http.StatusOK, map[string]interface{}{
		"meta": map[string]int{"states_cleared": n},
	})
}

// =============================================================================
// Patterns
// =============================================================================

type patternView struct {
	*catalog.AttackPattern
	Window            string `json:"window"`
	SuppressionWindow string `json:"suppression_window,omitempty"`
}

func newPatternView(p *catalog.AttackPattern) patternView {
	v := patternView{AttackPattern: p, Window: p.Window.String()}
	if p.SuppressionWindow > 0 {
		v.SuppressionWindow = p.SuppressionWindow.String()
	}
	return v
}

// ListPatterns handles GET /api/v1/patterns
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	snap := h.catalog.Snapshot()
	var resources []httputil.JSONAPIResource
	if snap != nil {
		resources = make([]httputil.JSONAPIResource, 0, len(snap.Patterns))
		for _, p := range snap.Patterns {
			resources = append(resources, httputil.JSONAPIResource{Type: "pattern", ID: p.ID, Attributes: newPatternView(p)})
		}
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, resources, nil)
}

// GetPattern handles GET /api/v1/patterns/{id}
func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.catalog.Get(id)
	if err != nil {
		if errors.Is(err, catalog.ErrPatternNotFound) {
			httputil.WriteJSONAPINotFoundError(w, "pattern", id)
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to get pattern", logging.PatternID(id), logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to get pattern")
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, "pattern", p.ID, newPatternView(p))
}

// ReloadPatterns handles POST /api/v1/patterns/reload
func (h *Handler) ReloadPatterns(w http.ResponseWriter, r *http.Request) {
	snap, err := h.catalog.Reload(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "catalog reload failed", logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Catalog reload failed; the previous catalog stays active")
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, "catalog", "current", map[string]interface{}{
		"patterns":    snap.Len(),
		"skipped":     snap.Skipped,
		"fingerprint": snap.Fingerprint,
		"loaded_at":   snap.LoadedAt,
	})
}

// =============================================================================
// Incidents
// =============================================================================

// ListIncidents handles GET /api/v1/incidents. A q parameter switches to full-text search.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	if !h.incidentsEnabled(w) {
		return
	}

	page := httputil.ParsePagination(r, 20, 100)
	query := r.URL.Query()

	var (
		resp *models.ListIncidentsResponse
		err  error
	)
	if text := strings.TrimSpace(query.Get("q")); text != "" {
		resp, err = h.incidents.SearchIncidents(r.Context(), text, page.Limit)
		page.Page = 1
	} else {
		resp, err = h.incidents.ListIncidents(r.Context(), &models.ListIncidentsRequest{
			Page:      page.Page,
			Limit:     page.Limit,
			Status:    query.Get("status"),
			PatternID: query.Get("pattern_id"),
			EntityKey: query.Get("entity_key"),
			Severity:  query.Get("severity"),
		})
	}
	if err != nil {
		if errors.Is(err, service.ErrSearchUnavailable) {
			httputil.WriteJSONAPIUnavailableError(w, "Incident search is not enabled")
			return
		}
		if errors.Is(err, repository.ErrInvalidStatus) || errors.Is(err, service.ErrInvalidSeverity) {
			httputil.WriteJSONAPIValidationError(w, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to list incidents", logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to list incidents")
		return
	}

	resources := make([]httputil.JSONAPIResource, 0, len(resp.Incidents))
	for _, inc := range resp.Incidents {
		resources = append(resources, incidentResource(inc))
	}
	page.Total = resp.Total
	httputil.WriteJSONAPICollection(w, http.StatusOK, resources, &page)
}

// GetIncident handles GET /api/v1/incidents/{id}. The id may also be the incident reference.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	if !h.incidentsEnabled(w) {
		return
	}

	id := r.PathValue("id")
	inc, err := h.incidents.GetIncident(r.Context(), id)
	if err != nil {
		h.writeIncidentError(w, r, id, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, "incident", inc.ID, inc)
}

// UpdateIncident handles PATCH /api/v1/incidents/{id}
func (h *Handler) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	if !h.incidentsEnabled(w) {
		return
	}

	var req models.UpdateIncidentRequest
	if err := httputil.DecodeJSON(r, &req, h.maxBodyBytes); err != nil {
		httputil.WriteJSONAPIValidationError(w, err.Error())
		return
	}
	if req.Status == nil && req.Assignee == nil && req.Severity == nil {
		httputil.WriteJSONAPIValidationError(w, "at least one of status, assignee or severity is required")
		return
	}

	id := r.PathValue("id")
	inc, err := h.incidents.UpdateIncident(r.Context(), id, &req)
	if err != nil {
		h.writeIncidentError(w, r, id, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, "incident", inc.ID, inc)
}

func (h *Handler) incidentsEnabled(w http.ResponseWriter) bool {
	if h.incidents == nil {
		httputil.WriteJSONAPIUnavailableError(w, "Incident storage is not enabled")
		return false
	}
	return true
}

func (h *Handler) writeIncidentError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, repository.ErrIncidentNotFound):
		httputil.WriteJSONAPINotFoundError(w, "incident", id)
	case errors.Is(err, repository.ErrInvalidStatus), errors.Is(err, service.ErrInvalidSeverity):
		httputil.WriteJSONAPIValidationError(w, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "incident request failed", logging.IncidentID(id), logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to process incident request")
	}
}

func incidentResource(inc *models.Incident) httputil.JSONAPIResource {
	return httputil.JSONAPIResource{
		Type:       "incident",
		ID:         inc.ID,
		Attributes: inc,
		Links:      map[string]string{"self": "/api/v1/incidents/" + inc.ID},
	}
}
