// Package models provides data models for the correlate service.
package models

import (
	"fmt"
	"time"
)

// =============================================================================
// Event Models
// =============================================================================

// RawEvent is a source-specific event as delivered by a connector or replay caller.
type RawEvent struct {
	ID         string                 `json:"id,omitempty"`
	Source     string                 `json:"source"` // Connector tag, e.g. "paloalto", "entraid", "falcon"
	Payload    map[string]interface{} `json:"payload"`
	ReceivedAt time.Time              `json:"received_at,omitempty"`
}

// SourceKind is the normalized source family of an event.
type SourceKind string

const (
	SourceEndpoint SourceKind = "endpoint"
	SourceFirewall SourceKind = "firewall"
	SourceIdentity SourceKind = "identity"
	SourceSIEM     SourceKind = "siem"
	SourceOther    SourceKind = "other"
)

// EventTypeUnclassified marks events that no classification rule recognised.
const EventTypeUnclassified = "unclassified"

// NormalizedEvent is the canonical view of a RawEvent. Created once per event and never mutated.
type NormalizedEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Source     SourceKind             `json:"source"`
	Product    string                 `json:"product"` // Original source tag, lower-cased
	EventType  string                 `json:"event_type"`
	User       string                 `json:"user,omitempty"`
	Host       string                 `json:"host,omitempty"`
	IP         string                 `json:"ip,omitempty"`
	Attributes map[string]string      `json:"attributes"`
	RawPayload map[string]interface{} `json:"raw_payload,omitempty"`
}

// EventRef is the audit copy of an event kept with each phase occurrence.
type EventRef struct {
	EventID   string     `json:"event_id"`
	Source    SourceKind `json:"source"`
	Product   string     `json:"product"`
	EventType string     `json:"event_type"`
	User      string     `json:"user,omitempty"`
	Host      string     `json:"host,omitempty"`
	IP        string     `json:"ip,omitempty"`
}

// Ref builds the EventRef of e.
func (e *NormalizedEvent) Ref() EventRef {
	return EventRef{
		EventID:   e.ID,
		Source:    e.Source,
		Product:   e.Product,
		EventType: e.EventType,
		User:      e.User,
		Host:      e.Host,
		IP:        e.IP,
	}
}

// PhaseOccurrence records one phase match inside a correlation window.
type PhaseOccurrence struct {
	Phase     string    `json:"phase"`
	MatchedAt time.Time `json:"matched_at"`
	Event     EventRef  `json:"event"`
}

// =============================================================================
// Incident Models
// =============================================================================

// Confidence levels derived from phase coverage.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// DefaultSeverity applies when a pattern's alert policy names none.
const DefaultSeverity = "high"

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusContained     IncidentStatus = "contained"
	StatusResolved      IncidentStatus = "resolved"
	StatusFalsePositive IncidentStatus = "false_positive"
)

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusContained, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Closed reports whether s ends the incident lifecycle.
func (s IncidentStatus) Closed() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Incident is a detected multi-phase attack chain.
type Incident struct {
	ID                 string            `json:"id"`        // UUID v7
	Reference          string            `json:"reference"` // Human readable, e.g. INC-1A2B3C4D
	PatternID          string            `json:"pattern_id"`
	PatternName        string            `json:"pattern_name"`
	EntityKey          string            `json:"entity_key"`
	PhasesMatched      []string          `json:"phases_matched"`
	TotalPhases        int               `json:"total_phases"`
	Confidence         float64           `json:"confidence"`
	ConfidenceLevel    string            `json:"confidence_level"`
	Severity           string            `json:"severity"`
	Status             IncidentStatus    `json:"status"`
	Assignee           *string           `json:"assignee,omitempty"`
	EventCount         int               `json:"event_count"`
	ContributingEvents []PhaseOccurrence `json:"contributing_events"`
	FirstSeen          time.Time         `json:"first_seen"`
	LastSeen           time.Time         `json:"last_seen"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
}

// String implements fmt.Stringer for log lines.
func (i *Incident) String() string {
	return fmt.Sprintf("%s %s entity=%s phases=%d/%d", i.Reference, i.PatternID, i.EntityKey, len(i.PhasesMatched), i.TotalPhases)
}

// UpdateIncidentRequest is the API request for changing an incident's lifecycle fields.
type UpdateIncidentRequest struct {
	Status   *IncidentStatus `json:"status,omitempty"`
	Assignee *string         `json:"assignee,omitempty"`
	Severity *string         `json:"severity,omitempty"`
}

// ListIncidentsRequest contains filters for listing incidents.
type ListIncidentsRequest struct {
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
	Status    string `json:"status,omitempty"`
	PatternID string `json:"pattern_id,omitempty"`
	EntityKey string `json:"entity_key,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

// ListIncidentsResponse contains paginated incident results.
type ListIncidentsResponse struct {
	Incidents []*Incident `json:"incidents"`
	Total     int         `json:"total"`
}

// =============================================================================
// Engine Inspection Models
// =============================================================================

// Stats holds engine counters.
type Stats struct {
	EventsProcessed     int64 `json:"events_processed"`
	DuplicatesIgnored   int64 `json:"duplicates_ignored"`
	PhaseMatches        int64 `json:"phase_matches"`
	IncidentsCreated    int64 `json:"incidents_created"`
	IncidentsQueued     int64 `json:"incidents_queued"`
	IncidentsSuppressed int64 `json:"incidents_suppressed"`
	CommitFailures      int64 `json:"commit_failures"`
	ActiveStates        int   `json:"active_states"`
	LoadedPatterns      int   `json:"loaded_patterns"`
}

// PhaseCoverage summarises one phase inside an entity's window state.
type PhaseCoverage struct {
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// PatternCoverage is the phase coverage for one pattern of an entity.
type PatternCoverage struct {
	PatternID     string                   `json:"pattern_id"`
	Phases        map[string]PhaseCoverage `json:"phases"`
	MatchedPhases int                      `json:"matched_phases"`
	Threshold     int                      `json:"threshold"`
}

// EntitySnapshot is the operator view of everything held for one entity.
type EntitySnapshot struct {
	EntityKey string            `json:"entity_key"`
	Patterns  []PatternCoverage `json:"patterns"`
}

// =============================================================================
// Playbook Dispatch Models
// =============================================================================

// PlaybookDispatch asks the response service to run playbooks for an incident.
type PlaybookDispatch struct {
	IncidentID      string    `json:"incident_id"`
	Reference       string    `json:"reference"`
	PatternID       string    `json:"pattern_id"`
	EntityKey       string    `json:"entity_key"`
	ConfidenceLevel string    `json:"confidence_level"`
	Severity        string    `json:"severity"`
	ResponsePath    string    `json:"response_path,omitempty"`
	Playbooks       []string  `json:"playbooks"`
	RequestedAt     time.Time `json:"requested_at"`
}
