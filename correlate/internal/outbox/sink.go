// Package outbox hands synthesized incidents to durable storage.
//
// The order is: suppression check, JetStream outbox, direct write, dead-letter file.
// The first step that accepts the incident wins. Only when every step fails does
// Commit return an error, which tells the engine to keep the window state.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/engine"
	"github.com/telhawk-systems/chainhawk/correlate/internal/metrics"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// DefaultCommitTimeout bounds one Commit call.
const DefaultCommitTimeout = 5 * time.Second

// Suppressor tracks alert-policy suppression windows.
type Suppressor interface {
	IsSuppressed(ctx context.Context, patternID, entityKey string) (bool, error)
	NoteSuppressed(ctx context.Context, patternID, entityKey string) error
	Record(ctx context.Context, inc *models.Incident, window time.Duration) error
}

// Enqueuer durably queues an incident for asynchronous persistence.
type Enqueuer interface {
	Enqueue(ctx context.Context, inc *models.Incident) error
}

// Persister stores an incident synchronously.
type Persister interface {
	PersistIncident(ctx context.Context, inc *models.Incident) error
}

// DeadLetter is the last-resort local queue.
type DeadLetter interface {
	Write(ctx context.Context, inc *models.Incident, cause error, reason string) error
}

// PatternLookup resolves a pattern's alert policy.
type PatternLookup interface {
	Get(id string) (*catalog.AttackPattern, error)
}

// Sink implements engine.IncidentSink.
type Sink struct {
	patterns   PatternLookup
	suppressor Suppressor
	outbox     Enqueuer
	persister  Persister
	dlq        DeadLetter
	timeout    time.Duration
	logger     *logging.Logger
}

var _ engine.IncidentSink = (*Sink)(nil)

// Option configures a Sink.
type Option func(*Sink)

// WithSuppressor enables alert-policy suppression.
func WithSuppressor(s Suppressor) Option {
	return func(k *Sink) { k.suppressor = s }
}

// WithOutbox routes incidents through a durable queue before any direct write.
func WithOutbox(e Enqueuer) Option {
	return func(k *Sink) { k.outbox = e }
}

// WithPersister enables direct writes.
func WithPersister(p Persister) Option {
	return func(k *Sink) { k.persister = p }
}

// WithDeadLetter enables the local dead-letter queue.
func WithDeadLetter(d DeadLetter) Option {
	return func(k *Sink) { k.dlq = d }
}

// WithTimeout overrides DefaultCommitTimeout.
func WithTimeout(d time.Duration) Option {
	return func(k *Sink) {
		if d > 0 {
			k.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(k *Sink) { k.logger = l }
}

// NewSink creates a Sink. At least one of outbox, persister or dead-letter must be configured.
func NewSink(patterns PatternLookup, opts ...Option) (*Sink, error) {
	s := &Sink{
		patterns: patterns,
		timeout:  DefaultCommitTimeout,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.outbox == nil && s.persister == nil && s.dlq == nil {
		return nil, errors.New("incident sink needs an outbox, a persister or a dead-letter queue")
	}
	return s, nil
}

// Commit hands inc off. See the package documentation for the order of attempts.
func (s *Sink) Commit(ctx context.Context, inc *models.Incident) (engine.Disposition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := s.logger.With(logging.IncidentID(inc.ID), logging.PatternID(inc.PatternID), logging.EntityKey(inc.EntityKey))

	if s.suppressor != nil {
		suppressed, err := s.suppressor.IsSuppressed(ctx, inc.PatternID, inc.EntityKey)
		switch {
		case err != nil:
			log.WarnContext(ctx, "suppression check failed, continuing", logging.Error(err))
		case suppressed:
			if err := s.suppressor.NoteSuppressed(ctx, inc.PatternID, inc.EntityKey); err != nil {
				log.WarnContext(ctx, "failed to update suppression counter", logging.Error(err))
			}
			return engine.Suppressed, nil
		}
	}

	disp, err := s.handoff(ctx, inc, log)
	if err != nil {
		return disp, err
	}

	s.openSuppression(ctx, inc, log)
	return disp, nil
}

func (s *Sink) handoff(ctx context.Context, inc *models.Incident, log *logging.Logger) (engine.Disposition, error) {
	var errs []error

	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, inc)
		if err == nil {
			return engine.Queued, nil
		}
		log.WarnContext(ctx, "outbox enqueue failed, falling back", logging.Error(err))
		errs = append(errs, fmt.Errorf("outbox: %w", err))
	}

	if s.persister != nil {
		err := s.persister.PersistIncident(ctx, inc)
		if err == nil {
			metrics.IncidentsPersisted.WithLabelValues("direct").Inc()
			return engine.Persisted, nil
		}
		log.WarnContext(ctx, "direct write failed, falling back", logging.Error(err))
		errs = append(errs, fmt.Errorf("direct: %w", err))
	}

	if s.dlq != nil {
		// The dead-letter write must not inherit an exhausted deadline from the steps above
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		err := s.dlq.Write(dctx, inc, errors.Join(errs...), "commit")
		if err == nil {
			return engine.Queued, nil
		}
		errs = append(errs, fmt.Errorf("dlq: %w", err))
	}

	return engine.Persisted, fmt.Errorf("failed to hand off incident %s: %w", inc.ID, errors.Join(errs...))
}

func (s *Sink) openSuppression(ctx context.Context, inc *models.Incident, log *logging.Logger) {
	if s.suppressor == nil || s.patterns == nil {
		return
	}
	pattern, err := s.patterns.Get(inc.PatternID)
	if err != nil {
		return
	}
	if err := s.suppressor.Record(ctx, inc, pattern.SuppressionWindow); err != nil {
		log.WarnContext(ctx, "failed to record suppression window", logging.Error(err))
	}
}
