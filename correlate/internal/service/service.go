package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/dlq"
	"github.com/telhawk-systems/chainhawk/correlate/internal/metrics"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
	"github.com/telhawk-systems/chainhawk/correlate/internal/repository"
)

var (
	ErrInvalidSeverity   = errors.New("invalid severity")
	ErrSearchUnavailable = errors.New("incident search is not configured")
)

// Indexer makes incidents searchable.
type Indexer interface {
	IndexIncident(ctx context.Context, inc *models.Incident) error
	SearchIncidents(ctx context.Context, text string, limit int) ([]*models.Incident, int, error)
}

// Notifier announces incident lifecycle changes.
type Notifier interface {
	IncidentCreated(ctx context.Context, inc *models.Incident) error
	IncidentUpdated(ctx context.Context, inc *models.Incident) error
}

// DeadLetterQueue is the replay source for incidents that missed the database.
type DeadLetterQueue interface {
	List(ctx context.Context, limit int) ([]dlq.FailedIncident, error)
	Delete(ctx context.Context, incidentID string) error
	Write(ctx context.Context, inc *models.Incident, cause error, reason string) error
}

// Service handles incident persistence and lifecycle
type Service struct {
	repo     repository.Repository
	index    Indexer
	notifier Notifier
	dlq      DeadLetterQueue
	logger   *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIndexer enables the search index.
func WithIndexer(i Indexer) Option {
	return func(s *Service) { s.index = i }
}

// WithNotifier enables lifecycle notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithDeadLetter enables ReplayDLQ.
func WithDeadLetter(q DeadLetterQueue) Option {
	return func(s *Service) { s.dlq = q }
}

// NewService creates a new service instance
func NewService(repo repository.Repository, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Service{repo: repo, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PersistIncident stores inc, then indexes it and announces it. Indexing and
// notification are best-effort. Re-delivered incidents are acknowledged without
// being announced twice.
func (s *Service) PersistIncident(ctx context.Context, inc *models.Incident) error {
	created, err := s.repo.CreateIncident(ctx, inc)
	if err != nil {
		return err
	}
	if !created {
		s.logger.DebugContext(ctx, "incident already stored", logging.IncidentID(inc.ID))
		return nil
	}

	if s.index != nil {
		if err := s.index.IndexIncident(ctx, inc); err != nil {
			s.logger.WarnContext(ctx, "failed to index incident", logging.IncidentID(inc.ID), logging.Error(err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.IncidentCreated(ctx, inc); err != nil {
			s.logger.WarnContext(ctx, "failed to publish incident created", logging.IncidentID(inc.ID), logging.Error(err))
		}
	}

	s.logger.InfoContext(ctx, "incident stored",
		logging.IncidentID(inc.ID),
		logging.PatternID(inc.PatternID),
		logging.EntityKey(inc.EntityKey),
		"reference", inc.Reference)
	return nil
}

// GetIncident retrieves an incident by ID or reference
func (s *Service) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return s.repo.GetIncident(ctx, id)
}

// ListIncidents retrieves a paginated list of incidents
func (s *Service) ListIncidents(ctx context.Context, req *models.ListIncidentsRequest) (*models.ListIncidentsResponse, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Limit < 1 || req.Limit > 100 {
		req.Limit = 20
	}
	if req.Severity != "" {
		req.Severity = strings.ToLower(req.Severity)
	}

	incidents, total, err := s.repo.ListIncidents(ctx, req)
	if err != nil {
		return nil, err
	}

	return &models.ListIncidentsResponse{
		Incidents: incidents,
		Total:     total,
	}, nil
}

// UpdateIncident changes an incident's lifecycle fields
func (s *Service) UpdateIncident(ctx context.Context, id string, req *models.UpdateIncidentRequest) (*models.Incident, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidStatus, *req.Status)
	}
	if req.Severity != nil && !isValidSeverity(*req.Severity) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, *req.Severity)
	}

	inc, err := s.repo.UpdateIncident(ctx, id, req)
	if err != nil {
		return nil, err
	}

	if s.index != nil {
		if err := s.index.IndexIncident(ctx, inc); err != nil {
			s.logger.WarnContext(ctx, "failed to re-index incident", logging.IncidentID(inc.ID), logging.Error(err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.IncidentUpdated(ctx, inc); err != nil {
			s.logger.WarnContext(ctx, "failed to publish incident updated", logging.IncidentID(inc.ID), logging.Error(err))
		}
	}

	return inc, nil
}

// SearchIncidents runs a free-text query against the search index
func (s *Service) SearchIncidents(ctx context.Context, text string, limit int) (*models.ListIncidentsResponse, error) {
	if s.index == nil {
		return nil, ErrSearchUnavailable
	}
	incidents, total, err := s.index.SearchIncidents(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	return &models.ListIncidentsResponse{Incidents: incidents, Total: total}, nil
}

// ReplayDLQ moves up to limit dead-lettered incidents into the repository.
// Entries that fail again stay queued with their attempt count raised.
func (s *Service) ReplayDLQ(ctx context.Context, limit int) (replayed, failed int, err error) {
	if s.dlq == nil {
		return 0, 0, nil
	}

	entries, err := s.dlq.List(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list dlq: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return replayed, failed, ctx.Err()
		}

		inc := entry.Incident
		if perr := s.PersistIncident(ctx, inc); perr != nil {
			failed++
			if werr := s.dlq.Write(ctx, inc, perr, "replay"); werr != nil {
				s.logger.ErrorContext(ctx, "failed to update dlq entry", logging.IncidentID(inc.ID), logging.Error(werr))
			}
			continue
		}

		if derr := s.dlq.Delete(ctx, inc.ID); derr != nil && !errors.Is(derr, dlq.ErrNotFound) {
			s.logger.ErrorContext(ctx, "failed to delete replayed dlq entry", logging.IncidentID(inc.ID), logging.Error(derr))
		}
		metrics.IncidentsPersisted.WithLabelValues("dlq_replay").Inc()
		replayed++
	}

	if replayed > 0 || failed > 0 {
		s.logger.InfoContext(ctx, "dlq replay finished", "replayed", replayed, "failed", failed)
	}
	return replayed, failed, nil
}

// Ping checks the repository
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func isValidSeverity(severity string) bool {
	switch strings.ToLower(severity) {
	case "critical", "high", "medium", "low", "info":
		return true
	}
	return false
}
