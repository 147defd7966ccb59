package catalog

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// Compiler validates documents and turns them into AttackPatterns.
type Compiler struct {
	validate *validator.Validate
	logger   *logging.Logger
}

// NewCompiler creates a Compiler. A nil logger discards warnings.
func NewCompiler(logger *logging.Logger) *Compiler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Compiler{
		validate: validator.New(),
		logger:   logger,
	}
}

// Compile validates doc and parses its free-text fields once.
// Unparseable thresholds and windows fall back to defaults with a warning.
func (c *Compiler) Compile(doc Document) (*AttackPattern, error) {
	if err := c.validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid pattern document %q: %w", doc.Origin, err)
	}

	p := &AttackPattern{
		ID:               doc.patternID(),
		Name:             strings.TrimSpace(doc.Name),
		Version:          doc.Version,
		Description:      doc.CorrelationPattern.Description,
		TriggerCondition: doc.AlertPolicy.TriggerCondition,
		Severity:         normalizeSeverity(doc.AlertPolicy.Severity),
		EscalationPath:   doc.AlertPolicy.EscalationPath,
		RunbookReference: doc.AlertPolicy.RunbookReference,
		PivotEntities:    doc.CorrelationPattern.PivotEntities,
	}
	if p.ID == "" {
		return nil, fmt.Errorf("invalid pattern document %q: no usable id", doc.Origin)
	}
	log := c.logger.With(logging.PatternID(p.ID))

	seen := make(map[string]bool, len(doc.CorrelationPattern.Phases))
	for _, ph := range doc.CorrelationPattern.Phases {
		name := strings.TrimSpace(ph.Name)
		if seen[name] {
			log.Warn("duplicate phase name ignored", logging.Phase(name))
			continue
		}
		seen[name] = true
		p.Phases = append(p.Phases, Phase{
			Name:              name,
			Source:            ph.Source,
			Indicators:        ph.Indicators,
			CorrelationFields: ph.CorrelationFields,
		})
	}

	window, ok := ParseWindow(doc.CorrelationPattern.CorrelationWindow)
	if !ok {
		log.Warn("correlation window not parseable, using default",
			"correlation_window", doc.CorrelationPattern.CorrelationWindow,
			"default", window.String())
	}
	p.Window = window

	threshold, ok := ParseThreshold(doc.AlertPolicy.TriggerCondition)
	if !ok {
		log.Warn("trigger condition has no phase count, using default",
			"trigger_condition", doc.AlertPolicy.TriggerCondition,
			"default", threshold)
	}
	if threshold < 1 {
		log.Warn("trigger threshold below 1, clamping to 1", "threshold", threshold)
		threshold = 1
	}
	if threshold > len(p.Phases) {
		log.Warn("trigger threshold exceeds phase count, pattern can never fire",
			"threshold", threshold,
			"phases", len(p.Phases))
	}
	p.Threshold = threshold

	if doc.AlertPolicy.SuppressionWindow != "" {
		if d, ok := ParseWindow(doc.AlertPolicy.SuppressionWindow); ok {
			p.SuppressionWindow = d
		} else {
			log.Warn("suppression window not parseable, suppression disabled",
				"suppression_window", doc.AlertPolicy.SuppressionWindow)
		}
	}

	for _, pb := range doc.Playbooks {
		enabled := pb.Enabled == nil || *pb.Enabled
		p.Playbooks = append(p.Playbooks, Playbook{
			ID:      strings.TrimSpace(pb.ID),
			Name:    pb.Name,
			Steps:   pb.Steps,
			Enabled: enabled,
		})
	}
	for _, rule := range doc.DecisionMatrix {
		p.DecisionMatrix = append(p.DecisionMatrix, DecisionRule(rule))
	}

	return p, nil
}

func normalizeSeverity(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return models.DefaultSeverity
	}
	return s
}
