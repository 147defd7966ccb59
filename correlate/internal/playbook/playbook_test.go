package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/common/messaging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
	correlatenats "github.com/telhawk-systems/chainhawk/correlate/internal/nats"
)

func ransomware() *catalog.AttackPattern {
	return &catalog.AttackPattern{
		ID:       "ransomware",
		Severity: "critical",
		Playbooks: []catalog.Playbook{
			{ID: "PB_1", Name: "Isolate host", Enabled: true},
			{ID: "PB_2", Name: "Preserve evidence", Enabled: true},
			{ID: "PB_3", Name: "Notify legal", Enabled: false},
			{ID: "PB_4", Name: "Reset credentials", Enabled: true},
		},
		DecisionMatrix: []catalog.DecisionRule{
			{Condition: "High confidence with 3 phases", ResponsePath: "Immediate containment", PlaybooksTriggered: "PB 1, PB 2"},
			{Condition: "Medium confidence", ResponsePath: "Analyst triage", PlaybooksTriggered: "2 + 3"},
			{Condition: "≥ 5 phases", ResponsePath: "Full IR", PlaybooksTriggered: "1-4"},
		},
	}
}

func incident(level string, phases int, severity string) *models.Incident {
	names := []string{"delivery", "execution", "persistence", "lateral", "impact"}
	return &models.Incident{
		ID:              "inc-1",
		Reference:       "INC-00000001",
		PatternID:       "ransomware",
		EntityKey:       "user:alice|host:ws-01",
		ConfidenceLevel: level,
		Severity:        severity,
		PhasesMatched:   names[:phases],
	}
}

func TestPlaybookRefs(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"PB 1, PB 2", []string{"PB_1", "PB_2"}},
		{"1 + 2", []string{"PB_1", "PB_2"}},
		{"PB_4", []string{"PB_4"}},
		{"1-3", []string{"PB_1", "PB_2", "PB_3"}},
		{"1–2 and 5", []string{"PB_1", "PB_2", "PB_5"}},
		{"none", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, PlaybookRefs(tt.input))
		})
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		incident     *models.Incident
		expectedPath string
		expected     []string
	}{
		{
			name:         "high confidence matches first rule",
			incident:     incident(models.ConfidenceHigh, 3, "critical"),
			expectedPath: "Immediate containment",
			expected:     []string{"PB_1", "PB_2"},
		},
		{
			name:         "medium confidence skips disabled playbook",
			incident:     incident(models.ConfidenceMedium, 2, "critical"),
			expectedPath: "Analyst triage",
			expected:     []string{"PB_2"},
		},
		{
			name:         "phase count rule with range",
			incident:     incident(models.ConfidenceHigh, 5, "critical"),
			expectedPath: "Immediate containment",
			expected:     []string{"PB_1", "PB_2", "PB_4"},
		},
		{
			name:     "no rule falls back to first two enabled playbooks",
			incident: incident(models.ConfidenceLow, 1, "critical"),
			expected: []string{"PB_1", "PB_2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Decide(tt.incident, ransomware())
			assert.Equal(t, tt.expectedPath, plan.ResponsePath)
			assert.Equal(t, tt.expected, plan.Playbooks)
		})
	}
}

func TestDecide_NoPlaybooks(t *testing.T) {
	plan := Decide(incident(models.ConfidenceLow, 1, "low"), &catalog.AttackPattern{ID: "bare"})
	assert.Empty(t, plan.Playbooks)
}

type patternMap map[string]*catalog.AttackPattern

func (m patternMap) Get(id string) (*catalog.AttackPattern, error) {
	if p, ok := m[id]; ok {
		return p, nil
	}
	return nil, catalog.ErrPatternNotFound
}

type recordingPublisher struct {
	err        error
	dispatches []*models.PlaybookDispatch
}

func (p *recordingPublisher) PlaybookDispatch(_ context.Context, d *models.PlaybookDispatch) error {
	if p.err != nil {
		return p.err
	}
	p.dispatches = append(p.dispatches, d)
	return nil
}

func createdMessage(t *testing.T, inc *models.Incident) *messaging.Message {
	t.Helper()
	data, err := json.Marshal(correlatenats.IncidentCreatedEvent{IncidentID: inc.ID, PatternID: inc.PatternID, Incident: inc})
	require.NoError(t, err)
	return &messaging.Message{Subject: messaging.SubjectCorrelateIncidentsCreated, Data: data}
}

func TestDispatcher_HandleCreated(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("publishes dispatch", func(t *testing.T) {
		pub := &recordingPublisher{}
		d := NewDispatcher(nil, patternMap{"ransomware": ransomware()}, pub, logging.Discard())
		d.now = func() time.Time { return at }

		require.NoError(t, d.HandleCreated(ctx, createdMessage(t, incident(models.ConfidenceHigh, 3, "critical"))))
		require.Len(t, pub.dispatches, 1)
		got := pub.dispatches[0]
		assert.Equal(t, "INC-00000001", got.Reference)
		assert.Equal(t, []string{"PB_1", "PB_2"}, got.Playbooks)
		assert.Equal(t, "Immediate containment", got.ResponsePath)
		assert.Equal(t, at, got.RequestedAt)
	})

	t.Run("unknown pattern is skipped", func(t *testing.T) {
		pub := &recordingPublisher{}
		d := NewDispatcher(nil, patternMap{}, pub, logging.Discard())
		require.NoError(t, d.HandleCreated(ctx, createdMessage(t, incident(models.ConfidenceHigh, 3, "critical"))))
		assert.Empty(t, pub.dispatches)
	})

	t.Run("malformed message is dropped", func(t *testing.T) {
		pub := &recordingPublisher{}
		d := NewDispatcher(nil, patternMap{}, pub, logging.Discard())
		require.NoError(t, d.HandleCreated(ctx, &messaging.Message{Data: []byte("{")}))
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		pub := &recordingPublisher{err: errors.New("no connection")}
		d := NewDispatcher(nil, patternMap{"ransomware": ransomware()}, pub, logging.Discard())
		assert.Error(t, d.HandleCreated(ctx, createdMessage(t, incident(models.ConfidenceHigh, 3, "critical"))))
	})
}
