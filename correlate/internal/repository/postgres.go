package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/chainhawk/common/database"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

const incidentColumns = `
	id::text, reference, pattern_id, pattern_name, entity_key,
	phases_matched, total_phases, confidence, confidence_level, severity,
	status, assignee, event_count, contributing_events,
	first_seen, last_seen, created_at, updated_at, resolved_at`

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool      *pgxpool.Pool
	now       func() time.Time
	deadlines database.Deadlines
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := database.DefaultDeadlines.ConnectContext(ctx)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool, now: time.Now, deadlines: database.DefaultDeadlines}, nil
}

// CreateIncident inserts an incident. Re-delivered incidents with a known ID are ignored.
func (r *PostgresRepository) CreateIncident(ctx context.Context, inc *models.Incident) (bool, error) {
	events, err := json.Marshal(inc.ContributingEvents)
	if err != nil {
		return false, fmt.Errorf("failed to marshal contributing events: %w", err)
	}

	query := `
		INSERT INTO incidents (
			id, reference, pattern_id, pattern_name, entity_key,
			phases_matched, total_phases, confidence, confidence_level, severity,
			status, assignee, event_count, contributing_events,
			first_seen, last_seen, created_at, updated_at, resolved_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING
	`

	status := inc.Status
	if status == "" {
		status = models.StatusOpen
	}
	phases := inc.PhasesMatched
	if phases == nil {
		phases = []string{}
	}

	ctx, cancel := r.deadlines.WriteContext(ctx)
	defer cancel()

	result, err := r.pool.Exec(ctx, query,
		inc.ID, inc.Reference, inc.PatternID, inc.PatternName, inc.EntityKey,
		phases, inc.TotalPhases, inc.Confidence, inc.ConfidenceLevel, inc.Severity,
		string(status), inc.Assignee, inc.EventCount, events,
		inc.FirstSeen, inc.LastSeen, inc.CreatedAt, inc.UpdatedAt, inc.ResolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create incident: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// GetIncident retrieves an incident by ID or by its INC- reference
func (r *PostgresRepository) GetIncident(ctx context.Context, idOrReference string) (*models.Incident, error) {
	query := fmt.Sprintf(`SELECT %s FROM incidents WHERE id::text = $1 OR reference = $1`, incidentColumns)

	ctx, cancel := r.deadlines.ReadContext(ctx)
	defer cancel()

	inc, err := scanIncident(r.pool.QueryRow(ctx, query, idOrReference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	return inc, nil
}

// ListIncidents retrieves a paginated list of incidents, newest first
func (r *PostgresRepository) ListIncidents(ctx context.Context, req *models.ListIncidentsRequest) ([]*models.Incident, int, error) {
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if req.Status != "" {
		whereClause += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, req.Status)
		argPos++
	}
	if req.PatternID != "" {
		whereClause += fmt.Sprintf(" AND pattern_id = $%d", argPos)
		args = append(args, req.PatternID)
		argPos++
	}
	if req.EntityKey != "" {
		whereClause += fmt.Sprintf(" AND entity_key = $%d", argPos)
		args = append(args, req.EntityKey)
		argPos++
	}
	if req.Severity != "" {
		whereClause += fmt.Sprintf(" AND severity = $%d", argPos)
		args = append(args, req.Severity)
		argPos++
	}

	ctx, cancel := r.deadlines.ReadContext(ctx)
	defer cancel()

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM incidents %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count incidents: %w", err)
	}

	page, limit := normalizePage(req.Page, req.Limit)
	args = append(args, limit, (page-1)*limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM incidents
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, incidentColumns, whereClause, argPos, argPos+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*models.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("row iteration error: %w", err)
	}

	return incidents, total, nil
}

// UpdateIncident changes status, assignee or severity and returns the updated row.
// Moving into a closed status stamps resolved_at; reopening clears it.
func (r *PostgresRepository) UpdateIncident(ctx context.Context, id string, req *models.UpdateIncidentRequest) (*models.Incident, error) {
	now := r.now().UTC()
	setClauses := []string{"updated_at = $1"}
	args := []interface{}{now}
	argPos := 2

	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *req.Status)
		}
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(*req.Status))
		argPos++

		if req.Status.Closed() {
			setClauses = append(setClauses, fmt.Sprintf("resolved_at = COALESCE(resolved_at, $%d)", argPos))
			args = append(args, now)
			argPos++
		} else {
			setClauses = append(setClauses, "resolved_at = NULL")
		}
	}
	if req.Assignee != nil {
		setClauses = append(setClauses, fmt.Sprintf("assignee = $%d", argPos))
		args = append(args, *req.Assignee)
		argPos++
	}
	if req.Severity != nil {
		setClauses = append(setClauses, fmt.Sprintf("severity = $%d", argPos))
		args = append(args, strings.ToLower(*req.Severity))
		argPos++
	}

	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE incidents
		SET %s
		WHERE id::text = $%d OR reference = $%d
		RETURNING %s
	`, strings.Join(setClauses, ", "), argPos, argPos, incidentColumns)

	ctx, cancel := r.deadlines.WriteContext(ctx)
	defer cancel()

	inc, err := scanIncident(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to update incident: %w", err)
	}

	return inc, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanIncident(row pgx.Row) (*models.Incident, error) {
	inc := &models.Incident{}
	var status string
	var events []byte

	if err := row.Scan(
		&inc.ID, &inc.Reference, &inc.PatternID, &inc.PatternName, &inc.EntityKey,
		&inc.PhasesMatched, &inc.TotalPhases, &inc.Confidence, &inc.ConfidenceLevel, &inc.Severity,
		&status, &inc.Assignee, &inc.EventCount, &events,
		&inc.FirstSeen, &inc.LastSeen, &inc.CreatedAt, &inc.UpdatedAt, &inc.ResolvedAt,
	); err != nil {
		return nil, err
	}

	inc.Status = models.IncidentStatus(status)
	if len(events) > 0 {
		if err := json.Unmarshal(events, &inc.ContributingEvents); err != nil {
			return nil, fmt.Errorf("failed to unmarshal contributing events: %w", err)
		}
	}

	return inc, nil
}

// normalizePage clamps paging arguments to page>=1 and 1<=limit<=100 (default 20).
func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
