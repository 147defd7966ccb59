package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// Disposition is the outcome of handing an incident to a sink.
type Disposition int

const (
	// Persisted means the incident is stored.
	Persisted Disposition = iota
	// Queued means the incident is durably queued for storage.
	Queued
	// Suppressed means an earlier incident for the same pattern and entity is still
	// inside the pattern's suppression window.
	Suppressed
)

func (d Disposition) String() string {
	switch d {
	case Persisted:
		return "persisted"
	case Queued:
		return "queued"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// IncidentSink receives synthesized incidents. A nil error means the incident
// is safe and the window state may be cleared.
type IncidentSink interface {
	Commit(ctx context.Context, inc *models.Incident) (Disposition, error)
}

// ConfidenceLevel buckets phase coverage into high, medium or low.
func ConfidenceLevel(ratio float64) string {
	switch {
	case ratio >= 0.8:
		return models.ConfidenceHigh
	case ratio >= 0.5:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// MatchedPhases returns the pattern's phases with a surviving occurrence, in pattern order.
// Phases the pattern no longer declares are ignored.
func MatchedPhases(st *EntityPatternState, pattern *catalog.AttackPattern) []string {
	if st == nil {
		return nil
	}
	var names []string
	for _, ph := range pattern.Phases {
		if len(st.Phases[ph.Name]) > 0 {
			names = append(names, ph.Name)
		}
	}
	return names
}

// Evaluator checks window states against pattern thresholds and hands
// incidents to a sink.
type Evaluator struct {
	sink IncidentSink
	now  func() time.Time
}

// NewEvaluator creates an Evaluator. nil now means time.Now.
func NewEvaluator(sink IncidentSink, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{sink: sink, now: now}
}

// Evaluate synthesizes an incident when the state behind tx covers at least
// the pattern's threshold of distinct phases. The state is cleared only after
// the sink accepts the incident, so a failed commit is retried by the next
// matching event. Returns a nil incident when the threshold is not met.
func (ev *Evaluator) Evaluate(ctx context.Context, tx *Tx, pattern *catalog.AttackPattern) (*models.Incident, Disposition, error) {
	st := tx.State()
	matched := MatchedPhases(st, pattern)
	if len(matched) == 0 || len(matched) < pattern.Threshold {
		return nil, 0, nil
	}

	inc := Synthesize(st, pattern, matched, ev.now())

	disp, err := ev.sink.Commit(ctx, inc)
	if err != nil {
		return inc, disp, err
	}

	tx.Clear()
	return inc, disp, nil
}

// Synthesize builds the incident for a state that crossed its threshold.
func Synthesize(st *EntityPatternState, pattern *catalog.AttackPattern, matched []string, now time.Time) *models.Incident {
	var occurrences []models.PhaseOccurrence
	for _, name := range matched {
		occurrences = append(occurrences, st.Phases[name]...)
	}
	sort.SliceStable(occurrences, func(i, j int) bool {
		return occurrences[i].MatchedAt.Before(occurrences[j].MatchedAt)
	})

	total := len(pattern.Phases)
	ratio := 0.0
	if total > 0 {
		ratio = float64(len(matched)) / float64(total)
	}

	severity := pattern.Severity
	if severity == "" {
		severity = models.DefaultSeverity
	}

	id := newIncidentID()
	now = now.UTC()
	inc := &models.Incident{
		ID:                 id,
		Reference:          incidentReference(id),
		PatternID:          pattern.ID,
		PatternName:        pattern.Name,
		EntityKey:          string(st.Key.Entity),
		PhasesMatched:      append([]string(nil), matched...),
		TotalPhases:        total,
		Confidence:         ratio,
		ConfidenceLevel:    ConfidenceLevel(ratio),
		Severity:           severity,
		Status:             models.StatusOpen,
		EventCount:         len(occurrences),
		ContributingEvents: occurrences,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if len(occurrences) > 0 {
		inc.FirstSeen = occurrences[0].MatchedAt
		inc.LastSeen = occurrences[len(occurrences)-1].MatchedAt
	}
	return inc
}

func newIncidentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// incidentReference takes the random tail of the id, e.g. "INC-9F1C22AB".
func incidentReference(id string) string {
	hex := strings.ReplaceAll(id, "-", "")
	if len(hex) > 8 {
		hex = hex[len(hex)-8:]
	}
	return "INC-" + strings.ToUpper(hex)
}
