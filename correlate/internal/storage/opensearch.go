// Package storage indexes incidents into OpenSearch for analyst search.
package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// DefaultIndexPrefix names the monthly incident indices, e.g. chainhawk-incidents-2026.03.
const DefaultIndexPrefix = "chainhawk-incidents"

// Config holds OpenSearch connection settings.
type Config struct {
	URL         string
	Username    string
	Password    string
	Insecure    bool
	IndexPrefix string
}

// IncidentIndex writes incidents to OpenSearch and searches them back.
type IncidentIndex struct {
	client *opensearch.Client
	prefix string
}

// NewIncidentIndex creates an OpenSearch client and verifies the cluster answers.
func NewIncidentIndex(cfg Config) (*IncidentIndex, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = DefaultIndexPrefix
	}

	return &IncidentIndex{client: client, prefix: prefix}, nil
}

// IndexName returns the monthly index an incident belongs to.
func (s *IncidentIndex) IndexName(inc *models.Incident) string {
	return fmt.Sprintf("%s-%s", s.prefix, inc.CreatedAt.UTC().Format("2006.01"))
}

// IndexIncident upserts the incident document keyed by incident ID.
func (s *IncidentIndex) IndexIncident(ctx context.Context, inc *models.Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	res, err := s.client.Index(
		s.IndexName(inc),
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(inc.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to index incident: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("opensearch error: %s - %s", res.Status(), string(msg))
	}

	return nil
}

// SearchIncidents runs a free-text query across pattern, entity and phase fields.
func (s *IncidentIndex) SearchIncidents(ctx context.Context, text string, limit int) ([]*models.Incident, int, error) {
	if limit <= 0 {
		limit = 20
	}

	var query map[string]interface{}
	if strings.TrimSpace(text) == "" {
		query = map[string]interface{}{"match_all": map[string]interface{}{}}
	} else {
		query = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  text,
				"fields": []string{"pattern_name^2", "pattern_id", "entity_key", "phases_matched", "reference"},
			},
		}
	}

	searchBody := map[string]interface{}{
		"query": query,
		"size":  limit,
		"sort": []map[string]interface{}{
			{"created_at": map[string]string{"order": "desc"}},
		},
	}

	bodyBytes, err := json.Marshal(searchBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.prefix+"-*"),
		s.client.Search.WithBody(bytes.NewReader(bodyBytes)),
		s.client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search incidents: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return nil, 0, fmt.Errorf("opensearch error: %s - %s", res.Status(), string(msg))
	}

	var searchResult struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string          `json:"_id"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return nil, 0, fmt.Errorf("failed to decode search response: %w", err)
	}

	incidents := make([]*models.Incident, 0, len(searchResult.Hits.Hits))
	for _, hit := range searchResult.Hits.Hits {
		var inc models.Incident
		if err := json.Unmarshal(hit.Source, &inc); err != nil {
			continue
		}
		if inc.ID == "" {
			inc.ID = hit.ID
		}
		incidents = append(incidents, &inc)
	}

	return incidents, searchResult.Hits.Total.Value, nil
}
