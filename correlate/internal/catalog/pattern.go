// Package catalog loads attack-pattern definitions and serves them as immutable snapshots.
package catalog

import (
	"strings"
	"time"
)

// =============================================================================
// Catalog Documents
// =============================================================================

// Document is one parsed attack-pattern document as stored on disk.
type Document struct {
	ID                 string                `yaml:"id" json:"id"`
	Name               string                `yaml:"name" json:"name" validate:"required"`
	Version            string                `yaml:"version" json:"version"`
	CorrelationPattern CorrelationPatternDoc `yaml:"correlation_pattern" json:"correlation_pattern"`
	AlertPolicy        AlertPolicyDoc        `yaml:"alert_policy" json:"alert_policy"`
	Playbooks          []PlaybookDoc         `yaml:"playbooks" json:"playbooks" validate:"dive"`
	DecisionMatrix     []DecisionRuleDoc     `yaml:"decision_matrix" json:"decision_matrix"`

	// Origin is the file the document was read from.
	Origin string `yaml:"-" json:"-"`
}

// CorrelationPatternDoc describes the phases and window of a pattern.
type CorrelationPatternDoc struct {
	PatternID         string     `yaml:"pattern_id" json:"pattern_id"`
	Description       string     `yaml:"description" json:"description"`
	Phases            []PhaseDoc `yaml:"phases" json:"phases" validate:"required,min=1,dive"`
	CorrelationWindow string     `yaml:"correlation_window" json:"correlation_window"`
	PivotEntities     []string   `yaml:"pivot_entities" json:"pivot_entities"`
}

// PhaseDoc is one row of a pattern's phase table.
type PhaseDoc struct {
	Name              string   `yaml:"name" json:"name" validate:"required"`
	Source            string   `yaml:"source" json:"source"`
	Indicators        string   `yaml:"indicators" json:"indicators"`
	CorrelationFields []string `yaml:"correlation_fields" json:"correlation_fields"`
}

// AlertPolicyDoc is the human-authored alerting policy of a pattern.
type AlertPolicyDoc struct {
	Severity          string `yaml:"severity" json:"severity"`
	TriggerCondition  string `yaml:"trigger_condition" json:"trigger_condition"`
	SuppressionWindow string `yaml:"suppression_window" json:"suppression_window"`
	EscalationPath    string `yaml:"escalation_path" json:"escalation_path"`
	RunbookReference  string `yaml:"runbook_reference" json:"runbook_reference"`
}

// PlaybookDoc is a response playbook attached to a pattern.
type PlaybookDoc struct {
	ID      string   `yaml:"id" json:"id" validate:"required"`
	Name    string   `yaml:"name" json:"name"`
	Steps   []string `yaml:"steps" json:"steps"`
	Enabled *bool    `yaml:"enabled" json:"enabled"`
}

// DecisionRuleDoc maps an incident condition to a response path.
type DecisionRuleDoc struct {
	Condition          string `yaml:"condition" json:"condition"`
	ResponsePath       string `yaml:"response_path" json:"response_path"`
	PlaybooksTriggered string `yaml:"playbooks_triggered" json:"playbooks_triggered"`
}

// =============================================================================
// Compiled Patterns
// =============================================================================

// AttackPattern is a compiled, immutable pattern shared read-only by the engine.
type AttackPattern struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`

	Phases []Phase `json:"phases"`

	// Window bounds how far apart phase occurrences may be.
	Window time.Duration `json:"window"`

	// Threshold is the minimum number of distinct phases that raises an incident.
	Threshold        int    `json:"threshold"`
	TriggerCondition string `json:"trigger_condition,omitempty"`

	Severity          string        `json:"severity"`
	SuppressionWindow time.Duration `json:"suppression_window,omitempty"`
	EscalationPath    string        `json:"escalation_path,omitempty"`
	RunbookReference  string        `json:"runbook_reference,omitempty"`
	PivotEntities     []string      `json:"pivot_entities,omitempty"`

	Playbooks      []Playbook     `json:"playbooks,omitempty"`
	DecisionMatrix []DecisionRule `json:"decision_matrix,omitempty"`
}

// Phase is one named stage of an attack pattern.
type Phase struct {
	Name              string   `json:"name"`
	Source            string   `json:"source,omitempty"`
	Indicators        string   `json:"indicators,omitempty"`
	CorrelationFields []string `json:"correlation_fields,omitempty"`
}

// Playbook is a response playbook reference.
type Playbook struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Steps   []string `json:"steps,omitempty"`
	Enabled bool     `json:"enabled"`
}

// DecisionRule is one decision-matrix row.
type DecisionRule struct {
	Condition          string `json:"condition"`
	ResponsePath       string `json:"response_path"`
	PlaybooksTriggered string `json:"playbooks_triggered"`
}

// PhaseNames returns the phase names in declaration order.
func (p *AttackPattern) PhaseNames() []string {
	names := make([]string, len(p.Phases))
	for i, ph := range p.Phases {
		names[i] = ph.Name
	}
	return names
}

// HasPhase reports whether the pattern declares a phase called name.
func (p *AttackPattern) HasPhase(name string) bool {
	for _, ph := range p.Phases {
		if ph.Name == name {
			return true
		}
	}
	return false
}

// EnabledPlaybooks returns the playbooks that may be dispatched.
func (p *AttackPattern) EnabledPlaybooks() []Playbook {
	out := make([]Playbook, 0, len(p.Playbooks))
	for _, pb := range p.Playbooks {
		if pb.Enabled {
			out = append(out, pb)
		}
	}
	return out
}

// patternID picks the document's identifier: explicit id, pattern id, then a slug of the name.
func (d *Document) patternID() string {
	if id := strings.TrimSpace(d.ID); id != "" {
		return id
	}
	if id := strings.TrimSpace(d.CorrelationPattern.PatternID); id != "" {
		return id
	}
	return slugify(d.Name)
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
