package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errSinkDown = errors.New("sink unavailable")

type recordingSink struct {
	mu        sync.Mutex
	incidents []*models.Incident
	calls     int
	err       error
	disp      Disposition
}

func (s *recordingSink) Commit(_ context.Context, inc *models.Incident) (Disposition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	s.incidents = append(s.incidents, inc)
	return s.disp, nil
}

func (s *recordingSink) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingSink) committed() []*models.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Incident(nil), s.incidents...)
}

func ransomwareDocument() catalog.Document {
	return catalog.Document{
		ID:   "ransomware",
		Name: "Ransomware Deployment Chain",
		CorrelationPattern: catalog.CorrelationPatternDoc{
			CorrelationWindow: "90 minutes",
			Phases: []catalog.PhaseDoc{
				{Name: "delivery", Source: "Proofpoint Email Gateway", Indicators: "Malicious attachment delivered via email"},
				{Name: "execution", Source: "CrowdStrike Falcon", Indicators: "ProcessRollup2 with powershell or cmd.exe child"},
				{Name: "impact", Source: "File integrity monitoring", Indicators: "Files renamed with .locked extension"},
			},
		},
		AlertPolicy: catalog.AlertPolicyDoc{
			Severity:         "Critical",
			TriggerCondition: "≥ 3 correlated phases",
		},
	}
}

func ransomwarePattern(t *testing.T) *catalog.AttackPattern {
	t.Helper()
	p, err := catalog.NewCompiler(nil).Compile(ransomwareDocument())
	require.NoError(t, err)
	return p
}

func newTestCatalog(t *testing.T, docs ...catalog.Document) *catalog.Catalog {
	t.Helper()
	if len(docs) == 0 {
		docs = []catalog.Document{ransomwareDocument()}
	}
	cat := catalog.New(catalog.StaticLoader{Documents: docs}, nil)
	_, err := cat.Reload(context.Background())
	require.NoError(t, err)
	return cat
}

// newTestEngine replays events dated from base onward; its clock sits after them.
func newTestEngine(t *testing.T, sink IncidentSink, opts ...Option) *Engine {
	t.Helper()
	clock := newFakeClock(base.Add(3 * time.Hour))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	e, err := New(newTestCatalog(t), sink, opts...)
	require.NoError(t, err)
	return e
}

// emailEvent is a phishing delivery seen by the mail gateway.
func emailEvent(user, host string, at time.Time) models.RawEvent {
	return models.RawEvent{
		Source: "proofpoint",
		Payload: map[string]interface{}{
			"timestamp":  at.Format(time.RFC3339),
			"user":       user,
			"host":       host,
			"recipient":  user + "@corp.example",
			"subject":    "Overdue invoice",
			"attachment": "invoice_0423.docm",
			"action":     "delivered",
		},
	}
}

// processEvent is an encoded PowerShell launch reported by the EDR.
func processEvent(user, host string, at time.Time) models.RawEvent {
	return models.RawEvent{
		Source: "falcon",
		Payload: map[string]interface{}{
			"timestamp":          at.Format(time.RFC3339),
			"UserName":           user,
			"ComputerName":       host,
			"event_simpleName":   "ProcessRollup2",
			"CommandLine":        "powershell.exe -nop -w hidden -enc SQBFAFgA",
			"FileName":           "powershell.exe",
			"ParentBaseFileName": "WINWORD.EXE",
		},
	}
}

// lockedFileEvent is a file rename to the ransomware extension.
func lockedFileEvent(user, host string, at time.Time) models.RawEvent {
	return models.RawEvent{
		Source: "siem",
		Payload: map[string]interface{}{
			"timestamp":  at.Format(time.RFC3339),
			"host":       host,
			"user":       user,
			"event_type": "FileWrite",
			"file":       `C:\Users\` + user + `\Documents\report.docx.locked`,
			"action":     "rename",
		},
	}
}
