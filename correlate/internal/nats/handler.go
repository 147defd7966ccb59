package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/common/messaging"
	natsclient "github.com/telhawk-systems/chainhawk/common/messaging/nats"
	"github.com/telhawk-systems/chainhawk/correlate/internal/engine"
	"github.com/telhawk-systems/chainhawk/correlate/internal/metrics"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// EventProcessor correlates raw events.
type EventProcessor interface {
	ProcessBatch(ctx context.Context, events []models.RawEvent) []*engine.Result
}

// IncidentPersister stores incidents taken off the outbox.
type IncidentPersister interface {
	PersistIncident(ctx context.Context, inc *models.Incident) error
}

// Handler processes incoming NATS messages for the correlate service.
type Handler struct {
	subscriber messaging.Subscriber
	processor  EventProcessor
	logger     *logging.Logger
	subs       []messaging.Subscription
}

// NewHandler creates a new NATS message handler.
func NewHandler(subscriber messaging.Subscriber, processor EventProcessor, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		subscriber: subscriber,
		processor:  processor,
		logger:     logger,
		subs:       make([]messaging.Subscription, 0),
	}
}

// Start begins listening for raw events.
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.subscriber.QueueSubscribe(
		messaging.SubjectCorrelateEventsIngest,
		messaging.QueueCorrelateWorkers,
		h.handleIngest,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event ingest: %w", err)
	}
	h.subs = append(h.subs, sub)

	h.logger.InfoContext(ctx, "NATS handler started", logging.Subject(messaging.SubjectCorrelateEventsIngest))
	return nil
}

// Stop unsubscribes from all subjects.
func (h *Handler) Stop() error {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", logging.Subject(sub.Subject()), logging.Error(err))
		}
	}
	h.subs = nil
	h.logger.Info("NATS handler stopped")
	return nil
}

// handleIngest correlates one event or a batch. Malformed payloads are logged
// and dropped; redelivering them cannot help.
func (h *Handler) handleIngest(ctx context.Context, msg *messaging.Message) error {
	events, err := decodeRawEvents(msg.Data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("unknown", "invalid").Inc()
		h.logger.WarnContext(ctx, "dropping malformed ingest message", logging.Subject(msg.Subject), logging.Error(err))
		return nil
	}

	for _, res := range h.processor.ProcessBatch(ctx, events) {
		for _, e := range res.Errors {
			h.logger.WarnContext(ctx, "event correlated with errors", logging.EventID(res.EventID), "detail", e)
		}
	}
	return nil
}

// IncidentWriter drains the incident outbox into the repository.
type IncidentWriter struct {
	js        *natsclient.JetStreamClient
	persister IncidentPersister
	logger    *logging.Logger
	stop      func()
}

// NewIncidentWriter creates an IncidentWriter.
func NewIncidentWriter(js *natsclient.JetStreamClient, persister IncidentPersister, logger *logging.Logger) *IncidentWriter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &IncidentWriter{js: js, persister: persister, logger: logger}
}

// Start ensures the stream and consumer exist and begins consuming.
func (w *IncidentWriter) Start(ctx context.Context) error {
	if _, err := w.js.CreateOrUpdateStream(ctx, natsclient.IncidentsStream); err != nil {
		return err
	}
	if _, err := w.js.CreateOrUpdateConsumer(ctx, natsclient.IncidentsStream.Name, natsclient.IncidentWriterConsumer); err != nil {
		return err
	}

	stop, err := w.js.ConsumeMessages(ctx,
		natsclient.IncidentsStream.Name,
		natsclient.IncidentWriterConsumer.Name,
		natsclient.IncidentWriterConsumer.NakDelay,
		w.HandleMessage,
	)
	if err != nil {
		return err
	}
	w.stop = stop

	w.logger.InfoContext(ctx, "incident writer started",
		"stream", natsclient.IncidentsStream.Name,
		"consumer", natsclient.IncidentWriterConsumer.Name)
	return nil
}

// Stop stops consuming.
func (w *IncidentWriter) Stop() {
	if w.stop != nil {
		w.stop()
		w.stop = nil
	}
}

// HandleMessage persists one outbox message. A persistence error is returned so
// the message is redelivered; undecodable messages are acknowledged and dropped.
func (w *IncidentWriter) HandleMessage(ctx context.Context, msg *messaging.Message) error {
	var inc models.Incident
	if err := json.Unmarshal(msg.Data, &inc); err != nil || inc.ID == "" {
		w.logger.ErrorContext(ctx, "dropping undecodable outbox message",
			logging.Subject(msg.Subject),
			"msg_id", msg.Header(natsclient.HeaderMsgID),
			logging.Error(err))
		return nil
	}

	if err := w.persister.PersistIncident(ctx, &inc); err != nil {
		w.logger.WarnContext(ctx, "failed to persist queued incident",
			logging.IncidentID(inc.ID),
			"delivery", msg.Header(natsclient.HeaderDeliveryCount),
			logging.Error(err))
		return err
	}

	metrics.IncidentsPersisted.WithLabelValues("outbox").Inc()
	return nil
}
