// Package suppression tracks alert-policy suppression windows in Redis.
package suppression

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// Store records which (pattern, entity) pairs recently produced an incident.
type Store struct {
	redis   *redis.Client
	enabled bool
}

// NewStore creates a suppression store.
func NewStore(redisClient *redis.Client, enabled bool) *Store {
	return &Store{
		redis:   redisClient,
		enabled: enabled,
	}
}

// IsEnabled returns whether suppression is active.
func (s *Store) IsEnabled() bool {
	return s != nil && s.enabled && s.redis != nil
}

// State is the suppression record for one pattern and entity.
type State struct {
	IncidentID      string `json:"incident_id"`
	Reference       string `json:"reference"`
	FirstIncidentAt int64  `json:"first_incident_at"` // Unix timestamp
	SuppressedCount int    `json:"suppressed_count"`
}

// IsSuppressed reports whether a suppression window is open for the pair.
func (s *Store) IsSuppressed(ctx context.Context, patternID, entityKey string) (bool, error) {
	if !s.IsEnabled() {
		return false, nil
	}

	exists, err := s.redis.Exists(ctx, Key(patternID, entityKey)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check suppression: %w", err)
	}
	return exists > 0, nil
}

// Record opens a suppression window of length window for the incident's pattern and entity.
// A non-positive window disables suppression for the pattern.
func (s *Store) Record(ctx context.Context, inc *models.Incident, window time.Duration) error {
	if !s.IsEnabled() || window <= 0 {
		return nil
	}

	data, err := json.Marshal(State{
		IncidentID:      inc.ID,
		Reference:       inc.Reference,
		FirstIncidentAt: inc.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal suppression state: %w", err)
	}

	if err := s.redis.Set(ctx, Key(inc.PatternID, inc.EntityKey), data, window).Err(); err != nil {
		return fmt.Errorf("failed to save suppression state: %w", err)
	}
	return nil
}

// NoteSuppressed increments the suppressed counter without extending the window.
func (s *Store) NoteSuppressed(ctx context.Context, patternID, entityKey string) error {
	if !s.IsEnabled() {
		return nil
	}

	key := Key(patternID, entityKey)
	state, err := s.Get(ctx, patternID, entityKey)
	if err != nil || state == nil {
		return err
	}
	ttl, err := s.redis.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read suppression ttl: %w", err)
	}
	if ttl <= 0 {
		return nil
	}

	state.SuppressedCount++
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal suppression state: %w", err)
	}
	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save suppression state: %w", err)
	}
	return nil
}

// Get returns the suppression record, or nil when no window is open.
func (s *Store) Get(ctx context.Context, patternID, entityKey string) (*State, error) {
	if !s.IsEnabled() {
		return nil, nil
	}

	data, err := s.redis.Get(ctx, Key(patternID, entityKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suppression state: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suppression state: %w", err)
	}
	return &state, nil
}

// Clear closes the suppression window for the pair.
func (s *Store) Clear(ctx context.Context, patternID, entityKey string) error {
	if !s.IsEnabled() {
		return nil
	}
	if err := s.redis.Del(ctx, Key(patternID, entityKey)).Err(); err != nil {
		return fmt.Errorf("failed to clear suppression: %w", err)
	}
	return nil
}

// Key builds the Redis key for a pattern and entity.
func Key(patternID, entityKey string) string {
	sum := sha256.Sum256([]byte(entityKey))
	return fmt.Sprintf("suppression:%s:%s", patternID, hex.EncodeToString(sum[:16]))
}
