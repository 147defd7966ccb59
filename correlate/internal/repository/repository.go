package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrInvalidStatus    = errors.New("invalid incident status")
)

// Repository defines the interface for incident persistence
type Repository interface {
	// CreateIncident stores inc. Inserting an existing ID is a no-op that reports created=false.
	CreateIncident(ctx context.Context, inc *models.Incident) (bool, error)
	GetIncident(ctx context.Context, idOrReference string) (*models.Incident, error)
	ListIncidents(ctx context.Context, req *models.ListIncidentsRequest) ([]*models.Incident, int, error)
	UpdateIncident(ctx context.Context, id string, req *models.UpdateIncidentRequest) (*models.Incident, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
