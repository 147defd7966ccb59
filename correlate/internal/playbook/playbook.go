// Package playbook turns stored incidents into playbook dispatch requests.
package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/common/messaging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/metrics"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
	correlatenats "github.com/telhawk-systems/chainhawk/correlate/internal/nats"
)

// DefaultPlaybookCount is how many of a pattern's playbooks run when no decision rule matches.
const DefaultPlaybookCount = 2

// maxRangeExpansion caps "1-6" style references.
const maxRangeExpansion = 32

var (
	rangeRe  = regexp.MustCompile(`(\d+)\s*[-–]\s*(\d+)`)
	numberRe = regexp.MustCompile(`\d+`)
)

// Plan is the decision for one incident.
type Plan struct {
	ResponsePath string
	Playbooks    []string
}

// Decide matches inc against the pattern's decision matrix. A rule matches when its
// condition mentions the incident's confidence level, its severity, or its phase count
// ("3 phase", "≥ 3", ">= 3"). Playbooks of all matching rules are collected in order.
// With no match the first DefaultPlaybookCount enabled playbooks are used.
// Playbooks the pattern marks disabled are never selected.
func Decide(inc *models.Incident, pattern *catalog.AttackPattern) Plan {
	var plan Plan
	seen := make(map[string]bool)
	disabled := make(map[string]bool)
	for _, pb := range pattern.Playbooks {
		if !pb.Enabled {
			disabled[pb.ID] = true
		}
	}

	add := func(id string) {
		if seen[id] || disabled[id] {
			return
		}
		seen[id] = true
		plan.Playbooks = append(plan.Playbooks, id)
	}

	for _, rule := range pattern.DecisionMatrix {
		if !conditionMatches(strings.ToLower(rule.Condition), inc) {
			continue
		}
		if plan.ResponsePath == "" {
			plan.ResponsePath = rule.ResponsePath
		}
		for _, id := range PlaybookRefs(rule.PlaybooksTriggered) {
			add(id)
		}
	}

	if len(plan.Playbooks) == 0 {
		for i, pb := range pattern.EnabledPlaybooks() {
			if i >= DefaultPlaybookCount {
				break
			}
			add(pb.ID)
		}
	}

	return plan
}

func conditionMatches(condition string, inc *models.Incident) bool {
	if condition == "" {
		return false
	}
	if inc.ConfidenceLevel != "" && strings.Contains(condition, strings.ToLower(inc.ConfidenceLevel)) {
		return true
	}
	if inc.Severity != "" && strings.Contains(condition, strings.ToLower(inc.Severity)) {
		return true
	}

	n := strconv.Itoa(len(inc.PhasesMatched))
	for _, form := range []string{n + " phase", "≥ " + n, "≥" + n, ">= " + n, ">=" + n} {
		if strings.Contains(condition, form) {
			return true
		}
	}
	return false
}

// PlaybookRefs parses references such as "1 + 2", "1, 3", "PB_4" or "1-3" into PB_<n> IDs.
func PlaybookRefs(text string) []string {
	var ids []string
	add := func(n int) {
		ids = append(ids, fmt.Sprintf("PB_%d", n))
	}

	rest := text
	for _, m := range rangeRe.FindAllStringSubmatchIndex(text, -1) {
		lo, _ := strconv.Atoi(text[m[2]:m[3]])
		hi, _ := strconv.Atoi(text[m[4]:m[5]])
		if hi < lo || hi-lo >= maxRangeExpansion {
			continue
		}
		for n := lo; n <= hi; n++ {
			add(n)
		}
		rest = strings.Replace(rest, text[m[0]:m[1]], " ", 1)
	}

	for _, s := range numberRe.FindAllString(rest, -1) {
		n, _ := strconv.Atoi(s)
		add(n)
	}
	return ids
}

// PatternSource resolves patterns by ID.
type PatternSource interface {
	Get(id string) (*catalog.AttackPattern, error)
}

// DispatchPublisher sends dispatch requests.
type DispatchPublisher interface {
	PlaybookDispatch(ctx context.Context, d *models.PlaybookDispatch) error
}

// Dispatcher consumes incident-created notifications and requests playbooks.
type Dispatcher struct {
	subscriber messaging.Subscriber
	patterns   PatternSource
	publisher  DispatchPublisher
	logger     *logging.Logger
	now        func() time.Time
	sub        messaging.Subscription
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(subscriber messaging.Subscriber, patterns PatternSource, publisher DispatchPublisher, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		subscriber: subscriber,
		patterns:   patterns,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// Start subscribes to correlate.incidents.created.
func (d *Dispatcher) Start(ctx context.Context) error {
	sub, err := d.subscriber.QueueSubscribe(
		messaging.SubjectCorrelateIncidentsCreated,
		messaging.QueuePlaybookDispatcher,
		d.HandleCreated,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to incident notifications: %w", err)
	}
	d.sub = sub
	d.logger.InfoContext(ctx, "playbook dispatcher started", logging.Subject(messaging.SubjectCorrelateIncidentsCreated))
	return nil
}

// Stop unsubscribes.
func (d *Dispatcher) Stop() error {
	if d.sub == nil {
		return nil
	}
	err := d.sub.Unsubscribe()
	d.sub = nil
	return err
}

// HandleCreated decides and publishes the playbooks for one stored incident.
func (d *Dispatcher) HandleCreated(ctx context.Context, msg *messaging.Message) error {
	var evt correlatenats.IncidentCreatedEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Incident == nil {
		d.logger.WarnContext(ctx, "dropping malformed incident notification", logging.Error(err))
		return nil
	}
	inc := evt.Incident

	pattern, err := d.patterns.Get(inc.PatternID)
	if err != nil {
		d.logger.WarnContext(ctx, "no pattern for incident, skipping playbooks",
			logging.IncidentID(inc.ID), logging.PatternID(inc.PatternID))
		return nil
	}

	plan := Decide(inc, pattern)
	if len(plan.Playbooks) == 0 {
		return nil
	}

	dispatch := &models.PlaybookDispatch{
		IncidentID:      inc.ID,
		Reference:       inc.Reference,
		PatternID:       inc.PatternID,
		EntityKey:       inc.EntityKey,
		ConfidenceLevel: inc.ConfidenceLevel,
		Severity:        inc.Severity,
		ResponsePath:    plan.ResponsePath,
		Playbooks:       plan.Playbooks,
		RequestedAt:     d.now().UTC(),
	}
	if err := d.publisher.PlaybookDispatch(ctx, dispatch); err != nil {
		return fmt.Errorf("failed to publish playbook dispatch: %w", err)
	}

	metrics.PlaybookDispatches.WithLabelValues(inc.PatternID).Inc()
	d.logger.InfoContext(ctx, "playbooks dispatched",
		logging.IncidentID(inc.ID),
		logging.PatternID(inc.PatternID),
		"playbooks", plan.Playbooks,
		"response_path", plan.ResponsePath)
	return nil
}
