package messaging

// Subject constants for the chainhawk message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// Raw telemetry submitted by connectors and replay tools
	SubjectCorrelateEventsIngest = "correlate.events.ingest"

	// Durable outbox of synthesized incidents awaiting persistence
	SubjectCorrelateIncidentsPending = "correlate.incidents.pending"

	// Fan-out notification once an incident is stored
	SubjectCorrelateIncidentsCreated = "correlate.incidents.created"

	// Status changes made through the incidents API
	SubjectCorrelateIncidentsUpdated = "correlate.incidents.updated"

	// Playbook dispatch requests consumed by the respond service
	SubjectRespondPlaybooksDispatch = "respond.playbooks.dispatch"
)

// Queue group names for load-balanced consumers.
const (
	QueueCorrelateWorkers   = "correlate-workers"
	QueuePlaybookDispatcher = "playbook-dispatchers"
)
