package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, &recordingSink{})
	assert.Error(t, err)

	_, err = New(newTestCatalog(t), nil)
	assert.Error(t, err)
}

func TestEngine_RansomwareChain(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(t, sink)

	r1 := e.Process(ctx, emailEvent("alice", "ws-01", base))
	assert.Empty(t, r1.Incidents)
	assert.Equal(t, "user:alice|host:ws-01", r1.EntityKey)
	assert.Equal(t, []PatternMatch{{PatternID: "ransomware", Phases: []string{"delivery"}}}, r1.Matches)

	r2 := e.Process(ctx, processEvent("Alice", "WS-01", base.Add(10*time.Minute)))
	assert.Empty(t, r2.Incidents)
	assert.Equal(t, r1.EntityKey, r2.EntityKey)

	r3 := e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(20*time.Minute)))
	require.Len(t, r3.Incidents, 1)
	inc := r3.Incidents[0]
	assert.Equal(t, []string{"delivery", "execution", "impact"}, inc.PhasesMatched)
	assert.Equal(t, models.ConfidenceHigh, inc.ConfidenceLevel)
	assert.Equal(t, 3, inc.EventCount)
	assert.Equal(t, "Ransomware Deployment Chain", inc.PatternName)

	r4 := e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(25*time.Minute)))
	assert.Empty(t, r4.Incidents, "state was cleared by the first incident")

	assert.Len(t, sink.committed(), 1)
	stats := e.Stats()
	assert.EqualValues(t, 4, stats.EventsProcessed)
	assert.EqualValues(t, 1, stats.IncidentsCreated)
	assert.EqualValues(t, 4, stats.PhaseMatches)
	assert.Equal(t, 1, stats.ActiveStates, "event4 starts a new window")
	assert.Equal(t, 1, stats.LoadedPatterns)
}

func TestEngine_BelowThreshold(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(t, sink)

	assert.Empty(t, e.Process(ctx, emailEvent("alice", "ws-01", base)).Incidents)
	assert.Empty(t, e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(20*time.Minute))).Incidents)
	assert.Empty(t, sink.committed())

	snap := e.EntitySnapshot("user:alice|host:ws-01")
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, 2, snap.Patterns[0].MatchedPhases)
	assert.Equal(t, 3, snap.Patterns[0].Threshold)
}

func TestEngine_WindowExpiry(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(t, sink)

	e.Process(ctx, emailEvent("alice", "ws-01", base))
	e.Process(ctx, processEvent("alice", "ws-01", base.Add(100*time.Minute)))

	snap := e.EntitySnapshot("user:alice|host:ws-01")
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, 1, snap.Patterns[0].MatchedPhases)
	assert.Contains(t, snap.Patterns[0].Phases, "execution")
	assert.NotContains(t, snap.Patterns[0].Phases, "delivery")

	// Impact within the window of execution but not of delivery: still two phases
	r := e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(110*time.Minute)))
	assert.Empty(t, r.Incidents)
	assert.Empty(t, sink.committed())
}

func TestEngine_OutOfOrderEvents(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(t, sink)

	e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(20*time.Minute)))
	e.Process(ctx, emailEvent("alice", "ws-01", base))
	r := e.Process(ctx, processEvent("alice", "ws-01", base.Add(10*time.Minute)))

	require.Len(t, r.Incidents, 1)
	assert.Equal(t, base, r.Incidents[0].FirstSeen)
	assert.Equal(t, base.Add(20*time.Minute), r.Incidents[0].LastSeen)
}

func TestEngine_FutureTimestampClamped(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	now := base.Add(30 * time.Minute)
	e := newTestEngine(t, sink, WithClock(func() time.Time { return now }))

	// A sensor with a clock a year ahead
	r := e.Process(ctx, emailEvent("alice", "ws-01", base.AddDate(1, 0, 0)))
	require.Len(t, r.Matches, 1)

	snap := e.EntitySnapshot("user:alice|host:ws-01")
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, now.Add(DefaultMaxClockSkew), snap.Patterns[0].Phases["delivery"].LastSeen)

	e.Process(ctx, emailEvent("alice", "ws-01", base))
	e.Process(ctx, processEvent("alice", "ws-01", base.Add(10*time.Minute)))
	r = e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(20*time.Minute)))

	require.Len(t, r.Incidents, 1)
	assert.Equal(t, []string{"delivery", "execution", "impact"}, r.Incidents[0].PhasesMatched)
	assert.Len(t, sink.committed(), 1)
}

func TestEngine_ClockSkewBoundDisabled(t *testing.T) {
	ctx := context.Background()
	future := base.AddDate(1, 0, 0)
	e := newTestEngine(t, &recordingSink{}, WithMaxClockSkew(0))

	e.Process(ctx, emailEvent("alice", "ws-01", future))

	snap := e.EntitySnapshot("user:alice|host:ws-01")
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, future, snap.Patterns[0].Phases["delivery"].LastSeen)
}

func TestEngine_SeparatorInUserDoesNotMergeEntities(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(t, sink)

	forged := models.RawEvent{Source: "proofpoint", Payload: map[string]interface{}{
		"timestamp": base.Format(time.RFC3339),
		"user":      "alice|host:ws-01",
		"subject":   "Overdue invoice",
		"action":    "delivered",
	}}
	r := e.Process(ctx, forged)
	assert.Equal(t, "user:alice%7Chost:ws-01", r.EntityKey)

	e.Process(ctx, processEvent("alice", "ws-01", base.Add(10*time.Minute)))
	r = e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(20*time.Minute)))
	assert.Empty(t, r.Incidents)
	assert.Empty(t, sink.committed())

	snap := e.EntitySnapshot("user:alice|host:ws-01")
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, 2, snap.Patterns[0].MatchedPhases)
}

func TestEngine_DuplicateEventsIgnored(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &recordingSink{})

	raw := emailEvent("alice", "ws-01", base)
	first := e.Process(ctx, raw)
	second := e.Process(ctx, raw)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	stats := e.Stats()
	assert.EqualValues(t, 1, stats.EventsProcessed)
	assert.EqualValues(t, 1, stats.DuplicatesIgnored)
	assert.EqualValues(t, 1, stats.PhaseMatches)
}

func TestEngine_DedupeDisabled(t *testing.T) {
	e := newTestEngine(t, &recordingSink{}, WithDedupeSize(0))
	raw := emailEvent("alice", "ws-01", base)
	e.Process(context.Background(), raw)
	assert.False(t, e.Process(context.Background(), raw).Duplicate)
}

func TestEngine_FailedCommitRetriedByNextEvent(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{err: errSinkDown}
	e := newTestEngine(t, sink)

	e.Process(ctx, emailEvent("alice", "ws-01", base))
	e.Process(ctx, processEvent("alice", "ws-01", base.Add(10*time.Minute)))
	r := e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(20*time.Minute)))

	assert.Empty(t, r.Incidents)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "ransomware")
	assert.EqualValues(t, 1, e.Stats().CommitFailures)
	assert.Equal(t, 1, e.Stats().ActiveStates)

	sink.setErr(nil)
	r = e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(22*time.Minute)))
	require.Len(t, r.Incidents, 1)
	assert.Equal(t, 4, r.Incidents[0].EventCount)
	assert.Equal(t, 0, e.Stats().ActiveStates)
}

func TestEngine_SuppressedIncidentClearsState(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{disp: Suppressed}
	e := newTestEngine(t, sink)

	e.Process(ctx, emailEvent("alice", "ws-01", base))
	e.Process(ctx, processEvent("alice", "ws-01", base.Add(time.Minute)))
	r := e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(2*time.Minute)))

	assert.Empty(t, r.Incidents)
	assert.Equal(t, []string{"ransomware"}, r.Suppressed)

	stats := e.Stats()
	assert.EqualValues(t, 0, stats.IncidentsCreated)
	assert.EqualValues(t, 1, stats.IncidentsSuppressed)
	assert.Equal(t, 0, stats.ActiveStates)
}

func TestEngine_QueuedCountsAsCreated(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &recordingSink{disp: Queued})

	e.Process(ctx, emailEvent("alice", "ws-01", base))
	e.Process(ctx, processEvent("alice", "ws-01", base.Add(time.Minute)))
	r := e.Process(ctx, lockedFileEvent("alice", "ws-01", base.Add(2*time.Minute)))

	require.Len(t, r.Incidents, 1)
	stats := e.Stats()
	assert.EqualValues(t, 1, stats.IncidentsCreated)
	assert.EqualValues(t, 1, stats.IncidentsQueued)
}

type panickyMatcher struct {
	inner Matcher
}

func (m panickyMatcher) Match(evt *models.NormalizedEvent, p *catalog.AttackPattern) []catalog.Phase {
	if evt.User == "mallory" {
		panic("matcher exploded")
	}
	return m.inner.Match(evt, p)
}

func TestEngine_ProcessBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(t, sink, WithMatcher(panickyMatcher{inner: NewKeywordMatcher()}))

	results := e.ProcessBatch(ctx, []models.RawEvent{
		emailEvent("alice", "ws-01", base),
		processEvent("alice", "ws-01", base.Add(time.Minute)),
		emailEvent("mallory", "ws-66", base.Add(time.Minute)),
		lockedFileEvent("alice", "ws-01", base.Add(2*time.Minute)),
	})

	require.Len(t, results, 4)
	require.Len(t, results[2].Errors, 1)
	assert.Contains(t, results[2].Errors[0], "matcher exploded")
	assert.Len(t, results[3].Incidents, 1)
	assert.Len(t, sink.committed(), 1)
}

func TestEngine_MultiplePatternsIndependent(t *testing.T) {
	ctx := context.Background()
	exfil := catalog.Document{
		ID:   "exfil",
		Name: "Exfiltration",
		CorrelationPattern: catalog.CorrelationPatternDoc{
			CorrelationWindow: "6 hours",
			Phases: []catalog.PhaseDoc{
				{Name: "execution", Source: "CrowdStrike Falcon"},
				{Name: "transfer", Indicators: "Large upload"},
			},
		},
		AlertPolicy: catalog.AlertPolicyDoc{TriggerCondition: "2 phases"},
	}
	sink := &recordingSink{}
	e, err := New(newTestCatalog(t, ransomwareDocument(), exfil), sink, WithClock(func() time.Time { return base.Add(2 * time.Hour) }))
	require.NoError(t, err)

	r := e.Process(ctx, processEvent("alice", "ws-01", base))
	assert.Len(t, r.Matches, 2)

	r = e.Process(ctx, models.RawEvent{Source: "paloalto", Payload: map[string]interface{}{
		"timestamp": base.Add(time.Hour).Format(time.RFC3339),
		"user":      "alice",
		"device":    "ws-01",
		"url":       "https://files.example/upload",
	}})
	require.Len(t, r.Incidents, 1)
	assert.Equal(t, "exfil", r.Incidents[0].PatternID)
	assert.Equal(t, models.ConfidenceHigh, r.Incidents[0].ConfidenceLevel)

	// Ransomware progress for the same entity is untouched
	snap := e.EntitySnapshot("user:alice|host:ws-01")
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, "ransomware", snap.Patterns[0].PatternID)
}

func TestEngine_ClearEntityAndAll(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &recordingSink{})

	e.Process(ctx, emailEvent("alice", "ws-01", base))
	e.Process(ctx, emailEvent("bob", "ws-02", base))
	require.Equal(t, 2, e.Stats().ActiveStates)

	assert.Equal(t, 1, e.ClearEntity("user:alice|host:ws-01"))
	assert.Empty(t, e.EntitySnapshot("user:alice|host:ws-01").Patterns)
	assert.Equal(t, 1, e.Stats().ActiveStates)

	assert.Equal(t, 1, e.ClearAll())
	assert.Equal(t, 0, e.Stats().ActiveStates)
}

func TestEngine_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	e, err := New(newTestCatalog(t), &recordingSink{}, WithClock(clock.Now), WithIdleTTL(time.Hour))
	require.NoError(t, err)

	e.Process(ctx, emailEvent("alice", "ws-01", base))
	clock.Advance(30 * time.Minute)
	assert.Equal(t, 0, e.Sweep())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, e.Sweep())
	assert.Equal(t, 0, e.Stats().ActiveStates)
}

func TestEngine_ConcurrentEntities(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(t, sink)
	faker := gofakeit.New(7)

	const entities = 40
	var events []models.RawEvent
	for i := 0; i < entities; i++ {
		user := fmt.Sprintf("%s%d", strings.ToLower(faker.FirstName()), i)
		host := fmt.Sprintf("ws-%03d", i)
		offset := time.Duration(faker.Number(0, 30)) * time.Minute
		events = append(events,
			emailEvent(user, host, base.Add(offset)),
			processEvent(user, host, base.Add(offset+5*time.Minute)),
			lockedFileEvent(user, host, base.Add(offset+10*time.Minute)),
		)
	}
	faker.ShuffleAnySlice(events)

	var wg sync.WaitGroup
	for _, raw := range events {
		wg.Add(1)
		go func(raw models.RawEvent) {
			defer wg.Done()
			e.Process(ctx, raw)
		}(raw)
	}
	wg.Wait()

	incidents := sink.committed()
	require.Len(t, incidents, entities)

	perEntity := make(map[string]int)
	for _, inc := range incidents {
		perEntity[inc.EntityKey]++
	}
	assert.Len(t, perEntity, entities)
	for key, n := range perEntity {
		assert.Equal(t, 1, n, key)
	}
	assert.Equal(t, 0, e.Stats().ActiveStates)
}
