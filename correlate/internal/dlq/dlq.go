// Package dlq is the on-disk dead-letter queue for incidents that could not be handed off.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/metrics"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// DefaultPath is used when no directory is configured.
const DefaultPath = "/var/lib/chainhawk/dlq"

var (
	ErrNotEnabled = errors.New("dlq not enabled")
	ErrNotFound   = errors.New("dlq entry not found")
)

// FailedIncident captures an incident whose hand-off failed, for later replay.
type FailedIncident struct {
	Incident      *models.Incident `json:"incident"`
	Error         string           `json:"error"`
	Reason        string           `json:"reason"`
	Attempts      int              `json:"attempts"`
	FirstFailedAt time.Time        `json:"first_failed_at"`
	LastAttempt   time.Time        `json:"last_attempt"`
}

// Stats describes the queue contents.
type Stats struct {
	Enabled  bool   `json:"enabled"`
	Written  uint64 `json:"written"`
	Pending  int    `json:"pending"`
	BasePath string `json:"base_path,omitempty"`
}

// Queue writes failed incidents to disk, one file per incident ID.
type Queue struct {
	basePath string
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	written uint64
}

// NewQueue creates a DLQ that writes to the specified directory.
func NewQueue(basePath string, logger *logging.Logger) (*Queue, error) {
	if basePath == "" {
		basePath = DefaultPath
	}
	if logger == nil {
		logger = logging.Default()
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	q := &Queue{
		basePath: basePath,
		logger:   logger,
		now:      time.Now,
	}
	metrics.DLQDepth.Set(float64(q.pending()))
	return q, nil
}

// Write records a failed incident. Writing the same incident again bumps its attempt count.
func (q *Queue) Write(ctx context.Context, inc *models.Incident, cause error, reason string) error {
	if q == nil {
		return ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	entry, err := q.read(q.path(inc.ID))
	if err != nil {
		entry = &FailedIncident{
			Incident:      inc,
			FirstFailedAt: now,
		}
	}
	entry.Attempts++
	entry.LastAttempt = now
	entry.Reason = reason
	if cause != nil {
		entry.Error = cause.Error()
	}

	if err := q.write(entry); err != nil {
		return err
	}

	q.written++
	metrics.DLQDepth.Set(float64(q.pending()))
	q.logger.WarnContext(ctx, "incident written to dlq",
		logging.IncidentID(inc.ID),
		logging.PatternID(inc.PatternID),
		"reason", reason,
		"attempts", entry.Attempts)

	return nil
}

// Stats returns DLQ metrics.
func (q *Queue) Stats() Stats {
	if q == nil {
		return Stats{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Enabled:  true,
		Written:  q.written,
		Pending:  q.pending(),
		BasePath: q.basePath,
	}
}

// List returns queued incidents, oldest failure first.
func (q *Queue) List(ctx context.Context, limit int) ([]FailedIncident, error) {
	if q == nil {
		return nil, ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return nil, err
	}

	entries := make([]FailedIncident, 0, len(names))
	for _, name := range names {
		entry, err := q.read(filepath.Join(q.basePath, name))
		if err != nil {
			q.logger.ErrorContext(ctx, "failed to read dlq file", "file", name, logging.Error(err))
			continue
		}
		entries = append(entries, *entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FirstFailedAt.Before(entries[j].FirstFailedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}

// Delete removes a queued incident.
func (q *Queue) Delete(ctx context.Context, incidentID string) error {
	if q == nil {
		return ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.Remove(q.path(incidentID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete dlq file: %w", err)
	}

	metrics.DLQDepth.Set(float64(q.pending()))
	q.logger.DebugContext(ctx, "dlq entry deleted", logging.IncidentID(incidentID))
	return nil
}

// Purge removes all entries and returns how many were deleted.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if q == nil {
		return 0, ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			q.logger.ErrorContext(ctx, "failed to delete dlq file", "file", name, logging.Error(err))
			continue
		}
		deleted++
	}

	metrics.DLQDepth.Set(float64(q.pending()))
	q.logger.InfoContext(ctx, "dlq purged", "deleted", deleted)
	return deleted, nil
}

func (q *Queue) path(incidentID string) string {
	return filepath.Join(q.basePath, "incident_"+sanitize(incidentID)+".json")
}

func (q *Queue) read(path string) (*FailedIncident, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entry FailedIncident
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse dlq file: %w", err)
	}
	if entry.Incident == nil {
		return nil, fmt.Errorf("parse dlq file: missing incident")
	}
	return &entry, nil
}

// write goes through a temp file so readers never see a partial entry.
func (q *Queue) write(entry *FailedIncident) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	target := q.path(entry.Incident.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write dlq entry: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write dlq entry: %w", err)
	}
	return nil
}

func (q *Queue) files() ([]string, error) {
	dirEntries, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}

	var names []string
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "incident_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (q *Queue) pending() int {
	names, err := q.files()
	if err != nil {
		return 0
	}
	return len(names)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
