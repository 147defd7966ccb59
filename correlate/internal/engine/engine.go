// Package engine correlates normalized security events into multi-phase attack incidents.
//
// An Engine is safe for concurrent use. Each event runs to completion
// synchronously: normalize, resolve the entity, match every loaded pattern,
// then record, prune and evaluate under the per-key lock of the window store.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/metrics"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

const (
	// DefaultDedupeSize bounds the set of recently seen event ids.
	DefaultDedupeSize = 100000

	// DefaultIdleTTL evicts states not touched for this long.
	DefaultIdleTTL = 24 * time.Hour

	// DefaultMaxClockSkew is how far past the engine clock an event timestamp may lie.
	DefaultMaxClockSkew = 5 * time.Minute
)

// CatalogSource provides the current pattern catalog.
type CatalogSource interface {
	Snapshot() *catalog.Snapshot
}

// Option configures an Engine.
type Option func(*Engine)

// WithMatcher replaces the default KeywordMatcher.
func WithMatcher(m Matcher) Option {
	return func(e *Engine) { e.matcher = m }
}

// WithClock sets the clock used for incident timestamps and idle tracking.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDedupeSize sets how many recent event ids are remembered. 0 disables de-duplication.
func WithDedupeSize(n int) Option {
	return func(e *Engine) { e.dedupeSize = n }
}

// WithIdleTTL sets the idle eviction age used by Sweep.
func WithIdleTTL(d time.Duration) Option {
	return func(e *Engine) { e.idleTTL = d }
}

// WithMaxClockSkew bounds event timestamps to the engine clock plus d.
// Later timestamps are clamped. 0 disables the bound.
func WithMaxClockSkew(d time.Duration) Option {
	return func(e *Engine) { e.maxSkew = d }
}

// Engine is the correlation engine.
type Engine struct {
	catalog    CatalogSource
	matcher    Matcher
	normalizer *Normalizer
	store      *Store
	evaluator  *Evaluator
	logger     *logging.Logger
	now        func() time.Time

	dedupe     *lru.Cache[string, struct{}]
	dedupeSize int
	idleTTL    time.Duration
	maxSkew    time.Duration

	eventsProcessed     atomic.Int64
	duplicates          atomic.Int64
	phaseMatches        atomic.Int64
	incidentsCreated    atomic.Int64
	incidentsQueued     atomic.Int64
	incidentsSuppressed atomic.Int64
	commitFailures      atomic.Int64
}

// New creates an Engine reading patterns from cat and handing incidents to sink.
func New(cat CatalogSource, sink IncidentSink, opts ...Option) (*Engine, error) {
	if cat == nil {
		return nil, fmt.Errorf("catalog source is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("incident sink is required")
	}

	e := &Engine{
		catalog:    cat,
		matcher:    NewKeywordMatcher(),
		logger:     logging.Discard(),
		now:        time.Now,
		dedupeSize: DefaultDedupeSize,
		idleTTL:    DefaultIdleTTL,
		maxSkew:    DefaultMaxClockSkew,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.normalizer = NewNormalizer(e.now)
	e.store = NewStore(e.now)
	e.evaluator = NewEvaluator(sink, e.now)

	if e.dedupeSize > 0 {
		cache, err := lru.New[string, struct{}](e.dedupeSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
		}
		e.dedupe = cache
	}

	return e, nil
}

// PatternMatch lists the phases one event matched for one pattern.
type PatternMatch struct {
	PatternID string   `json:"pattern_id"`
	Phases    []string `json:"phases"`
}

// Result describes what processing one event did.
type Result struct {
	EventID    string             `json:"event_id"`
	EntityKey  string             `json:"entity_key"`
	EventType  string             `json:"event_type"`
	Duplicate  bool               `json:"duplicate,omitempty"`
	Matches    []PatternMatch     `json:"matches,omitempty"`
	Incidents  []*models.Incident `json:"incidents,omitempty"`
	Suppressed []string           `json:"suppressed,omitempty"` // pattern ids
	Errors     []string           `json:"errors,omitempty"`
}

// Process correlates one raw event. It never returns nil and never panics;
// failures are reported in Result.Errors.
func (e *Engine) Process(ctx context.Context, raw models.RawEvent) (res *Result) {
	start := time.Now()
	res = &Result{}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while processing event",
				logging.EventID(res.EventID),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			res.Errors = append(res.Errors, fmt.Sprintf("internal error: %v", r))
			metrics.EventsTotal.WithLabelValues(raw.Source, "failed").Inc()
		}
	}()

	evt := e.normalizer.Normalize(raw)
	res.EventID = evt.ID
	res.EventType = evt.EventType

	if e.dedupe != nil {
		if seen, _ := e.dedupe.ContainsOrAdd(evt.ID, struct{}{}); seen {
			e.duplicates.Add(1)
			res.Duplicate = true
			metrics.EventsTotal.WithLabelValues(evt.Product, "duplicate").Inc()
			return res
		}
	}

	e.eventsProcessed.Add(1)
	entity := ResolveEntity(evt)
	res.EntityKey = string(entity)
	e.clampTimestamp(evt, entity)

	for _, pattern := range e.catalog.Snapshot().Patterns {
		e.correlate(ctx, evt, entity, pattern, res)
	}

	metrics.EventsTotal.WithLabelValues(evt.Product, "processed").Inc()
	metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	metrics.ActiveStates.Set(float64(e.store.Len()))
	return res
}

// clampTimestamp caps the event time at the clock plus the allowed skew.
func (e *Engine) clampTimestamp(evt *models.NormalizedEvent, entity EntityKey) {
	if e.maxSkew <= 0 {
		return
	}
	limit := e.now().Add(e.maxSkew).UTC()
	if !evt.Timestamp.After(limit) {
		return
	}
	e.logger.Warn("event timestamp ahead of clock, clamping",
		logging.EventID(evt.ID),
		logging.EntityKey(string(entity)),
		"timestamp", evt.Timestamp,
		"clamped_to", limit)
	evt.Timestamp = limit
}

func (e *Engine) correlate(ctx context.Context, evt *models.NormalizedEvent, entity EntityKey, pattern *catalog.AttackPattern, res *Result) {
	phases := e.matcher.Match(evt, pattern)
	if len(phases) == 0 {
		return
	}

	names := make([]string, len(phases))
	for i, ph := range phases {
		names[i] = ph.Name
		metrics.PhaseMatchesTotal.WithLabelValues(pattern.ID, ph.Name).Inc()
	}
	e.phaseMatches.Add(int64(len(phases)))
	res.Matches = append(res.Matches, PatternMatch{PatternID: pattern.ID, Phases: names})

	log := e.logger.With(logging.EntityKey(string(entity)), logging.PatternID(pattern.ID))
	log.Debug("event matched phases", logging.EventID(evt.ID), "phases", names)

	key := StateKey{Entity: entity, PatternID: pattern.ID}
	ref := evt.Ref()

	e.store.Transact(key, func(tx *Tx) {
		// Event time drives the window so replayed history correlates like live traffic
		now := evt.Timestamp
		if st := tx.State(); st != nil {
			if newest := st.Newest(); newest.After(now) {
				now = newest
			}
		}
		tx.Prune(pattern.Window, now)

		for _, name := range names {
			tx.Record(models.PhaseOccurrence{Phase: name, MatchedAt: evt.Timestamp, Event: ref})
		}
		tx.Prune(pattern.Window, now)

		inc, disp, err := e.evaluator.Evaluate(ctx, tx, pattern)
		if inc == nil {
			return
		}
		if err != nil {
			e.commitFailures.Add(1)
			metrics.IncidentsTotal.WithLabelValues(pattern.ID, "failed").Inc()
			log.Error("failed to hand off incident, keeping window state", logging.Error(err))
			res.Errors = append(res.Errors, fmt.Sprintf("pattern %s: %v", pattern.ID, err))
			return
		}

		metrics.IncidentsTotal.WithLabelValues(pattern.ID, disp.String()).Inc()
		switch disp {
		case Suppressed:
			e.incidentsSuppressed.Add(1)
			res.Suppressed = append(res.Suppressed, pattern.ID)
			log.Info("incident suppressed by alert policy", logging.IncidentID(inc.ID))
		default:
			e.incidentsCreated.Add(1)
			if disp == Queued {
				e.incidentsQueued.Add(1)
			}
			res.Incidents = append(res.Incidents, inc)
			log.Info("incident created",
				logging.IncidentID(inc.ID),
				"reference", inc.Reference,
				"phases", inc.PhasesMatched,
				"confidence", inc.ConfidenceLevel,
				"disposition", disp.String())
		}
	})
}

// ProcessBatch processes events in order. One event's failure never affects the others.
func (e *Engine) ProcessBatch(ctx context.Context, events []models.RawEvent) []*Result {
	results := make([]*Result, 0, len(events))
	for _, raw := range events {
		results = append(results, e.Process(ctx, raw))
	}
	return results
}

// Stats returns the engine counters.
func (e *Engine) Stats() models.Stats {
	return models.Stats{
		EventsProcessed:     e.eventsProcessed.Load(),
		DuplicatesIgnored:   e.duplicates.Load(),
		PhaseMatches:        e.phaseMatches.Load(),
		IncidentsCreated:    e.incidentsCreated.Load(),
		IncidentsQueued:     e.incidentsQueued.Load(),
		IncidentsSuppressed: e.incidentsSuppressed.Load(),
		CommitFailures:      e.commitFailures.Load(),
		ActiveStates:        e.store.Len(),
		LoadedPatterns:      e.catalog.Snapshot().Len(),
	}
}

// EntitySnapshot returns the phase coverage currently held for entity.
func (e *Engine) EntitySnapshot(entity string) models.EntitySnapshot {
	snap := models.EntitySnapshot{EntityKey: entity, Patterns: []models.PatternCoverage{}}
	cat := e.catalog.Snapshot()

	for _, st := range e.store.EntityStates(EntityKey(entity)) {
		cov := models.PatternCoverage{
			PatternID: st.Key.PatternID,
			Phases:    make(map[string]models.PhaseCoverage, len(st.Phases)),
		}
		if p, ok := cat.Get(st.Key.PatternID); ok {
			cov.Threshold = p.Threshold
		}
		for name, occ := range st.Phases {
			if len(occ) == 0 {
				continue
			}
			pc := models.PhaseCoverage{Count: len(occ), FirstSeen: occ[0].MatchedAt, LastSeen: occ[0].MatchedAt}
			for _, o := range occ[1:] {
				if o.MatchedAt.Before(pc.FirstSeen) {
					pc.FirstSeen = o.MatchedAt
				}
				if o.MatchedAt.After(pc.LastSeen) {
					pc.LastSeen = o.MatchedAt
				}
			}
			cov.Phases[name] = pc
		}
		cov.MatchedPhases = len(cov.Phases)
		snap.Patterns = append(snap.Patterns, cov)
	}
	return snap
}

// ClearEntity drops all state of entity and returns the number of states removed.
func (e *Engine) ClearEntity(entity string) int {
	n := e.store.ClearEntity(EntityKey(entity))
	metrics.ActiveStates.Set(float64(e.store.Len()))
	e.logger.Info("entity state cleared", logging.EntityKey(entity), "states", n)
	return n
}

// ClearAll drops every state and returns the number removed.
func (e *Engine) ClearAll() int {
	n := e.store.ClearAll()
	metrics.ActiveStates.Set(0)
	e.logger.Info("all entity state cleared", "states", n)
	return n
}

// Sweep evicts states idle for longer than the configured idle TTL.
func (e *Engine) Sweep() int {
	if e.idleTTL <= 0 {
		return 0
	}
	n := e.store.Sweep(e.idleTTL)
	if n > 0 {
		metrics.StatesEvicted.Add(float64(n))
		e.logger.Info("evicted idle entity states", "states", n)
	}
	metrics.ActiveStates.Set(float64(e.store.Len()))
	return n
}
