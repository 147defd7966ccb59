package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across services.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldError      = "error"
	FieldEventID    = "event_id"
	FieldEntityKey  = "entity_key"
	FieldPatternID  = "pattern_id"
	FieldPhase      = "phase"
	FieldIncidentID = "incident_id"
	FieldSource     = "source"
	FieldSubject    = "subject"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Error returns a slog attribute for an error. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EntityKey returns a slog attribute for a correlation entity key.
func EntityKey(key string) slog.Attr {
	return slog.String(FieldEntityKey, key)
}

// PatternID returns a slog attribute for an attack pattern ID.
func PatternID(id string) slog.Attr {
	return slog.String(FieldPatternID, id)
}

// Phase returns a slog attribute for a phase name.
func Phase(name string) slog.Attr {
	return slog.String(FieldPhase, name)
}

// IncidentID returns a slog attribute for an incident ID.
func IncidentID(id string) slog.Attr {
	return slog.String(FieldIncidentID, id)
}

// Source returns a slog attribute for an event source tag.
func Source(source string) slog.Attr {
	return slog.String(FieldSource, source)
}

// Subject returns a slog attribute for a message bus subject.
func Subject(subject string) slog.Attr {
	return slog.String(FieldSubject, subject)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for an elapsed duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}
