package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/chainhawk/common/messaging"

	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/dlq"
	"github.com/telhawk-systems/chainhawk/correlate/internal/engine"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
	"github.com/telhawk-systems/chainhawk/correlate/internal/repository"
	"github.com/telhawk-systems/chainhawk/correlate/internal/service"
)

// mockEngine is a mock implementation of Engine for testing handlers
type mockEngine struct {
	processFunc func(ctx context.Context, raw models.RawEvent) *engine.Result
	cleared     []string
	clearedAll  bool
}

func (m *mockEngine) Process(ctx context.Context, raw models.RawEvent) *engine.Result {
	if m.processFunc != nil {
		return m.processFunc(ctx, raw)
	}
	return &engine.Result{EventID: raw.ID, EventType: models.EventTypeUnclassified}
}

func (m *mockEngine) ProcessBatch(ctx context.Context, events []models.RawEvent) []*engine.Result {
	results := make([]*engine.Result, 0, len(events))
	for _, raw := range events {
		results = append(results, m.Process(ctx, raw))
	}
	return results
}

func (m *mockEngine) Stats() models.Stats {
	return models.Stats{EventsProcessed: 42, ActiveStates: 3, LoadedPatterns: 1}
}

func (m *mockEngine) EntitySnapshot(entity string) models.EntitySnapshot {
	return models.EntitySnapshot{
		EntityKey: entity,
		Patterns:  []models.PatternCoverage{{PatternID: "ransomware", MatchedPhases: 2, Threshold: 3}},
	}
}

func (m *mockEngine) ClearEntity(entity string) int {
	m.cleared = append(m.cleared, entity)
	return 2
}

func (m *mockEngine) ClearAll() int {
	m.clearedAll = true
	return 7
}

// mockIncidents is a mock implementation of IncidentService
type mockIncidents struct {
	getFunc    func(ctx context.Context, id string) (*models.Incident, error)
	listFunc   func(ctx context.Context, req *models.ListIncidentsRequest) (*models.ListIncidentsResponse, error)
	updateFunc func(ctx context.Context, id string, req *models.UpdateIncidentRequest) (*models.Incident, error)
	searchFunc func(ctx context.Context, text string, limit int) (*models.ListIncidentsResponse, error)
	pingErr    error
}

func (m *mockIncidents) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return nil, repository.ErrIncidentNotFound
}

func (m *mockIncidents) ListIncidents(ctx context.Context, req *models.ListIncidentsRequest) (*models.ListIncidentsResponse, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, req)
	}
	return &models.ListIncidentsResponse{}, nil
}

func (m *mockIncidents) UpdateIncident(ctx context.Context, id string, req *models.UpdateIncidentRequest) (*models.Incident, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, id, req)
	}
	return nil, repository.ErrIncidentNotFound
}

func (m *mockIncidents) SearchIncidents(ctx context.Context, text string, limit int) (*models.ListIncidentsResponse, error) {
	if m.searchFunc != nil {
		return m.searchFunc(ctx, text, limit)
	}
	return nil, service.ErrSearchUnavailable
}

func (m *mockIncidents) Ping(ctx context.Context) error {
	return m.pingErr
}

// fakeBus is a messaging.Client whose connection state is fixed
type fakeBus struct {
	connected bool
}

func (b *fakeBus) Publish(ctx context.Context, subject string, data []byte) error {
	return nil
}

func (b *fakeBus) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	return nil
}

func (b *fakeBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	return nil, errors.New("no responders")
}

func (b *fakeBus) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) Close() error {
	return nil
}

func (b *fakeBus) Drain() error {
	return nil
}

func (b *fakeBus) IsConnected() bool {
	return b.connected
}

type fixedDLQ struct{ stats dlq.Stats }

func (f fixedDLQ) Stats() dlq.Stats {
	return f.stats
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := catalog.New(catalog.StaticLoader{Documents: []catalog.Document{{
		ID:   "ransomware",
		Name: "Ransomware",
		CorrelationPattern: catalog.CorrelationPatternDoc{
			CorrelationWindow: "90 minutes",
			Phases: []catalog.PhaseDoc{
				{Name: "delivery", Source: "Email Gateway"},
				{Name: "execution", Source: "EDR"},
				{Name: "impact", Source: "File integrity monitoring"},
			},
		},
		AlertPolicy: catalog.AlertPolicyDoc{TriggerCondition: "3 phases", SuppressionWindow: "1 hour"},
	}}}, nil)
	_, err := cat.Reload(context.Background())
	require.NoError(t, err)
	return cat
}

func sampleIncident() *models.Incident {
	return &models.Incident{
		ID:            "0192f5a8-0000-7000-8000-000000000001",
		Reference:     "INC-0192F5A8",
		PatternID:     "ransomware",
		EntityKey:     "user:alice|host:ws-01",
		PhasesMatched: []string{"delivery", "execution", "impact"},
		TotalPhases:   3,
		Severity:      "high",
		Status:        models.StatusOpen,
	}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestHealthCheck(t *testing.T) {
	h := NewHandler(&mockEngine{}, newTestCatalog(t))

	rr := httptest.NewRecorder()
	h.HealthCheck(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")
}

func TestReadyCheck(t *testing.T) {
	tests := []struct {
		name           string
		catalog        func(t *testing.T) *catalog.Catalog
		incidents      IncidentService
		bus            messaging.Client
		expectedStatus int
	}{
		{
			name:           "ready without database",
			catalog:        newTestCatalog,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "ready with healthy database",
			catalog:        newTestCatalog,
			incidents:      &mockIncidents{},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "database down",
			catalog:        newTestCatalog,
			incidents:      &mockIncidents{pingErr: errors.New("connection refused")},
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "ready with connected bus",
			catalog:        newTestCatalog,
			bus:            &fakeBus{connected: true},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "bus disconnected",
			catalog:        newTestCatalog,
			bus:            &fakeBus{},
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name: "catalog never loaded",
			catalog: func(t *testing.T) *catalog.Catalog {
				return catalog.New(catalog.StaticLoader{}, nil)
			},
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.incidents != nil {
				opts = append(opts, WithIncidents(tt.incidents))
			}
			if tt.bus != nil {
				opts = append(opts, WithMessageBus(tt.bus))
			}
			h := NewHandler(&mockEngine{}, tt.catalog(t), opts...)

			rr := httptest.NewRecorder()
			h.ReadyCheck(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestIngestEvent(t *testing.T) {
	eng := &mockEngine{
		processFunc: func(ctx context.Context, raw models.RawEvent) *engine.Result {
			return &engine.Result{
				EventID:   raw.ID,
				EntityKey: "user:alice",
				EventType: "process_execution",
				Matches:   []engine.PatternMatch{{PatternID: "ransomware", Phases: []string{"execution"}}},
			}
		},
	}
	h := NewHandler(eng, newTestCatalog(t))

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"valid event", `{"id":"evt-1","source":"falcon","payload":{"user":"alice"}}`, http.StatusOK},
		{"missing payload", `{"id":"evt-1","source":"falcon"}`, http.StatusBadRequest},
		{"invalid json", `{"id":`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.IngestEvent(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusOK {
				body := decodeBody(t, rr)
				data := body["data"].(map[string]interface{})
				assert.Equal(t, "event_result", data["type"])
				assert.Equal(t, "evt-1", data["id"])
				attrs := data["attributes"].(map[string]interface{})
				assert.Equal(t, "user:alice", attrs["entity_key"])
			}
		})
	}
}

func TestIngestEvent_BodyLimit(t *testing.T) {
	h := NewHandler(&mockEngine{}, newTestCatalog(t), WithMaxBodyBytes(32))

	body := `{"source":"falcon","payload":{"cmd":"` + strings.Repeat("a", 64) + `"}}`
	rr := httptest.NewRecorder()
	h.IngestEvent(rr, httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestBatch(t *testing.T) {
	eng := &mockEngine{
		processFunc: func(ctx context.Context, raw models.RawEvent) *engine.Result {
			res := &engine.Result{EventID: raw.ID}
			if raw.ID == "evt-3" {
				res.Incidents = []*models.Incident{sampleIncident()}
			}
			return res
		},
	}
	h := NewHandler(eng, newTestCatalog(t))

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedEvents float64
		expectedInc    float64
	}{
		{
			name:           "object form",
			body:           `{"events":[{"id":"evt-1","source":"a","payload":{}},{"id":"evt-3","source":"b","payload":{}}]}`,
			expectedStatus: http.StatusOK,
			expectedEvents: 2,
			expectedInc:    1,
		},
		{
			name:           "array form",
			body:           ` [{"id":"evt-1","source":"a","payload":{}}]`,
			expectedStatus: http.StatusOK,
			expectedEvents: 1,
		},
		{
			name:           "empty batch",
			body:           `{"events":[]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed array",
			body:           `[{"id":1}]`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/events/batch", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.IngestBatch(rr, req)

			require.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			if tt.expectedStatus != http.StatusOK {
				return
			}
			body := decodeBody(t, rr)
			meta := body["meta"].(map[string]interface{})
			assert.Equal(t, tt.expectedEvents, meta["events"])
			assert.Equal(t, tt.expectedInc, meta["incidents"])
			assert.Len(t, body["data"], int(tt.expectedEvents))
		})
	}
}

func TestGetStats(t *testing.T) {
	t.Run("without dead letter queue", func(t *testing.T) {
		h := NewHandler(&mockEngine{}, newTestCatalog(t))
		rr := httptest.NewRecorder()
		h.GetStats(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		attrs := decodeBody(t, rr)["data"].(map[string]interface{})["attributes"].(map[string]interface{})
		assert.Equal(t, float64(42), attrs["events_processed"])
		assert.NotContains(t, attrs, "dead_letter")
	})

	t.Run("with dead letter queue", func(t *testing.T) {
		h := NewHandler(&mockEngine{}, newTestCatalog(t),
			WithDeadLetterStats(fixedDLQ{stats: dlq.Stats{Enabled: true, Written: 4, Pending: 1}}))
		rr := httptest.NewRecorder()
		h.GetStats(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

		attrs := decodeBody(t, rr)["data"].(map[string]interface{})["attributes"].(map[string]interface{})
		dl := attrs["dead_letter"].(map[string]interface{})
		assert.Equal(t, float64(1), dl["pending"])
	})
}

func TestEntityRoutes(t *testing.T) {
	eng := &mockEngine{}
	h := NewHandler(eng, newTestCatalog(t))
	key := "user:alice|host:ws-01"

	t.Run("get", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/entities/x", nil)
		req.SetPathValue("key", key)
		rr := httptest.NewRecorder()
		h.GetEntity(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		data := decodeBody(t, rr)["data"].(map[string]interface{})
		assert.Equal(t, key, data["id"])
	})

	t.Run("clear one", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/entities/x", nil)
		req.SetPathValue("key", key)
		rr := httptest.NewRecorder()
		h.ClearEntity(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{key}, eng.cleared)
		meta := decodeBody(t, rr)["meta"].(map[string]interface{})
		assert.Equal(t, float64(2), meta["states_cleared"])
	})

	t.Run("clear all", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ClearAll(rr, httptest.NewRequest(http.MethodDelete, "/api/v1/entities", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, eng.clearedAll)
	})
}

func TestPatternRoutes(t *testing.T) {
	h := NewHandler(&mockEngine{}, newTestCatalog(t))

	t.Run("list", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ListPatterns(rr, httptest.NewRequest(http.MethodGet, "/api/v1/patterns", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		data := decodeBody(t, rr)["data"].([]interface{})
		require.Len(t, data, 1)
		attrs := data[0].(map[string]interface{})["attributes"].(map[string]interface{})
		assert.Equal(t, "1h30m0s", attrs["window"])
		assert.Equal(t, "1h0m0s", attrs["suppression_window"])
	})

	t.Run("get found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/patterns/ransomware", nil)
		req.SetPathValue("id", "ransomware")
		rr := httptest.NewRecorder()
		h.GetPattern(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("get missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/patterns/nope", nil)
		req.SetPathValue("id", "nope")
		rr := httptest.NewRecorder()
		h.GetPattern(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("reload", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ReloadPatterns(rr, httptest.NewRequest(http.MethodPost, "/api/v1/patterns/reload", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		attrs := decodeBody(t, rr)["data"].(map[string]interface{})["attributes"].(map[string]interface{})
		assert.Equal(t, float64(1), attrs["patterns"])
	})
}

func TestIncidentRoutes_Disabled(t *testing.T) {
	h := NewHandler(&mockEngine{}, newTestCatalog(t))

	rr := httptest.NewRecorder()
	h.ListIncidents(rr, httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestListIncidents(t *testing.T) {
	var captured *models.ListIncidentsRequest
	svc := &mockIncidents{
		listFunc: func(ctx context.Context, req *models.ListIncidentsRequest) (*models.ListIncidentsResponse, error) {
			captured = req
			return &models.ListIncidentsResponse{Incidents: []*models.Incident{sampleIncident()}, Total: 41}, nil
		},
	}
	h := NewHandler(&mockEngine{}, newTestCatalog(t), WithIncidents(svc))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents?page=2&limit=20&status=open&pattern_id=ransomware", nil)
	rr := httptest.NewRecorder()
	h.ListIncidents(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, captured)
	assert.Equal(t, 2, captured.Page)
	assert.Equal(t, "open", captured.Status)
	assert.Equal(t, "ransomware", captured.PatternID)

	body := decodeBody(t, rr)
	pagination := body["meta"].(map[string]interface{})["pagination"].(map[string]interface{})
	assert.Equal(t, float64(41), pagination["total"])
	assert.Equal(t, float64(3), pagination["total_pages"])
}

func TestListIncidents_Search(t *testing.T) {
	t.Run("search enabled", func(t *testing.T) {
		svc := &mockIncidents{
			searchFunc: func(ctx context.Context, text string, limit int) (*models.ListIncidentsResponse, error) {
				assert.Equal(t, "alice", text)
				return &models.ListIncidentsResponse{Incidents: []*models.Incident{sampleIncident()}, Total: 1}, nil
			},
		}
		h := NewHandler(&mockEngine{}, newTestCatalog(t), WithIncidents(svc))

		rr := httptest.NewRecorder()
		h.ListIncidents(rr, httptest.NewRequest(http.MethodGet, "/api/v1/incidents?q=alice", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("search disabled", func(t *testing.T) {
		h := NewHandler(&mockEngine{}, newTestCatalog(t), WithIncidents(&mockIncidents{}))

		rr := httptest.NewRecorder()
		h.ListIncidents(rr, httptest.NewRequest(http.MethodGet, "/api/v1/incidents?q=alice", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestGetIncident(t *testing.T) {
	svc := &mockIncidents{
		getFunc: func(ctx context.Context, id string) (*models.Incident, error) {
			if id == "INC-0192F5A8" {
				return sampleIncident(), nil
			}
			if id == "broken" {
				return nil, errors.New("db down")
			}
			return nil, repository.ErrIncidentNotFound
		},
	}
	h := NewHandler(&mockEngine{}, newTestCatalog(t), WithIncidents(svc))

	tests := []struct {
		name           string
		id             string
		expectedStatus int
	}{
		{"by reference", "INC-0192F5A8", http.StatusOK},
		{"not found", "INC-FFFFFFFF", http.StatusNotFound},
		{"repository error", "broken", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/"+tt.id, nil)
			req.SetPathValue("id", tt.id)
			rr := httptest.NewRecorder()
			h.GetIncident(rr, req)
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestUpdateIncident(t *testing.T) {
	svc := &mockIncidents{
		updateFunc: func(ctx context.Context, id string, req *models.UpdateIncidentRequest) (*models.Incident, error) {
			if req.Status != nil && !req.Status.Valid() {
				return nil, repository.ErrInvalidStatus
			}
			inc := sampleIncident()
			if req.Status != nil {
				inc.Status = *req.Status
			}
			return inc, nil
		},
	}
	h := NewHandler(&mockEngine{}, newTestCatalog(t), WithIncidents(svc))

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedState  string
	}{
		{"resolve", `{"status":"resolved"}`, http.StatusOK, "resolved"},
		{"invalid status", `{"status":"closed"}`, http.StatusBadRequest, ""},
		{"no fields", `{}`, http.StatusBadRequest, ""},
		{"bad json", `{`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPatch, "/api/v1/incidents/x", bytes.NewBufferString(tt.body))
			req.SetPathValue("id", "x")
			rr := httptest.NewRecorder()
			h.UpdateIncident(rr, req)

			require.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			if tt.expectedState != "" {
				attrs := decodeBody(t, rr)["data"].(map[string]interface{})["attributes"].(map[string]interface{})
				assert.Equal(t, tt.expectedState, attrs["status"])
			}
		})
	}
}
