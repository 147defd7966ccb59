// Package nats wires the correlate service to the message bus.
package nats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// IncidentCreatedEvent is published to correlate.incidents.created once an
// incident is stored. It carries the full incident so consumers need no lookup.
type IncidentCreatedEvent struct {
	IncidentID string           `json:"incident_id"`
	Reference  string           `json:"reference"`
	PatternID  string           `json:"pattern_id"`
	EntityKey  string           `json:"entity_key"`
	Severity   string           `json:"severity"`
	Incident   *models.Incident `json:"incident"`
	CreatedAt  time.Time        `json:"created_at"`
}

// IncidentUpdatedEvent is published to correlate.incidents.updated when an
// analyst changes an incident.
type IncidentUpdatedEvent struct {
	IncidentID string                `json:"incident_id"`
	Reference  string                `json:"reference"`
	Status     models.IncidentStatus `json:"status"`
	Assignee   *string               `json:"assignee,omitempty"`
	Severity   string                `json:"severity"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// decodeRawEvents accepts a single event object or an array of events.
func decodeRawEvents(data []byte) ([]models.RawEvent, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '[' {
		var events []models.RawEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event batch: %w", err)
		}
		return events, nil
	}

	var evt models.RawEvent
	if err := json.Unmarshal(trimmed, &evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return []models.RawEvent{evt}, nil
}
