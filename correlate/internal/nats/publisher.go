package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/chainhawk/common/messaging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// Publisher publishes incident lifecycle events for the correlate service.
type Publisher struct {
	client messaging.Publisher
	now    func() time.Time
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(client messaging.Publisher) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

// IncidentCreated publishes an incident created event.
func (p *Publisher) IncidentCreated(ctx context.Context, inc *models.Incident) error {
	return p.publish(ctx, messaging.SubjectCorrelateIncidentsCreated, &IncidentCreatedEvent{
		IncidentID: inc.ID,
		Reference:  inc.Reference,
		PatternID:  inc.PatternID,
		EntityKey:  inc.EntityKey,
		Severity:   inc.Severity,
		Incident:   inc,
		CreatedAt:  inc.CreatedAt,
	})
}

// IncidentUpdated publishes an incident updated event.
func (p *Publisher) IncidentUpdated(ctx context.Context, inc *models.Incident) error {
	updatedAt := inc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = p.now().UTC()
	}
	return p.publish(ctx, messaging.SubjectCorrelateIncidentsUpdated, &IncidentUpdatedEvent{
		IncidentID: inc.ID,
		Reference:  inc.Reference,
		Status:     inc.Status,
		Assignee:   inc.Assignee,
		Severity:   inc.Severity,
		UpdatedAt:  updatedAt,
	})
}

// PlaybookDispatch publishes a playbook dispatch request to the respond service.
func (p *Publisher) PlaybookDispatch(ctx context.Context, d *models.PlaybookDispatch) error {
	return p.publish(ctx, messaging.SubjectRespondPlaybooksDispatch, d)
}

// publish marshals data to JSON and publishes to the specified subject.
func (p *Publisher) publish(ctx context.Context, subject string, data interface{}) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.client.Publish(ctx, subject, bytes)
}

// StreamPublisher is the JetStream publish capability used by Outbox.
type StreamPublisher interface {
	PublishSync(ctx context.Context, subject string, data []byte, msgID string) (*jetstream.PubAck, error)
}

// Outbox queues synthesized incidents on the CORRELATE_INCIDENTS stream.
// The incident ID is the message ID, so retries inside the duplicate window
// are stored once.
type Outbox struct {
	js StreamPublisher
}

// NewOutbox creates an Outbox.
func NewOutbox(js StreamPublisher) *Outbox {
	return &Outbox{js: js}
}

// Enqueue publishes inc and waits for the stream acknowledgment.
func (o *Outbox) Enqueue(ctx context.Context, inc *models.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	if _, err := o.js.PublishSync(ctx, messaging.SubjectCorrelateIncidentsPending, data, inc.ID); err != nil {
		return fmt.Errorf("failed to enqueue incident: %w", err)
	}
	return nil
}
