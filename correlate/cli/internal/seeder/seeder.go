// Package seeder generates synthetic attack chains for exercising the correlation engine.
package seeder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/engine"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// Config controls generation.
type Config struct {
	// ChainsPerPattern is the number of attack chains generated for each pattern.
	ChainsPerPattern int
	// Noise is the number of unrelated background events.
	Noise int
	// End is the timestamp of the latest event. Zero means now.
	End time.Time
	// Seed makes output reproducible. Zero picks a random seed.
	Seed int64
}

// Chain is the events generated for one pattern against one entity.
type Chain struct {
	PatternID string
	User      string
	Host      string
	Events    []models.RawEvent
}

// Generator builds raw connector events.
type Generator struct {
	cfg   Config
	faker *gofakeit.Faker
}

// New creates a Generator.
func New(cfg Config) *Generator {
	if cfg.ChainsPerPattern <= 0 {
		cfg.ChainsPerPattern = 1
	}
	if cfg.End.IsZero() {
		cfg.End = time.Now().UTC()
	}
	return &Generator{cfg: cfg, faker: gofakeit.New(cfg.Seed)}
}

// source family -> connector tag
var familySources = []struct {
	family string
	source string
}{
	{engine.FamilyEndpoint, "falcon"},
	{engine.FamilyIdentity, "entraid"},
	{engine.FamilyFirewall, "paloalto"},
	{engine.FamilyEmail, "proofpoint"},
	{engine.FamilyCloud, "aws"},
}

var commandLines = []string{
	`powershell.exe -nop -w hidden -enc SQBFAFgA`,
	`cmd.exe /c whoami /all`,
	`rundll32.exe C:\Users\Public\update.dll,Start`,
	`wscript.exe C:\Users\Public\invoice.js`,
}

// Generate returns every chain plus noise, ordered by timestamp.
func (g *Generator) Generate(patterns []*catalog.AttackPattern) ([]Chain, []models.RawEvent) {
	var chains []Chain
	var events []models.RawEvent
	for _, p := range patterns {
		for i := 0; i < g.cfg.ChainsPerPattern; i++ {
			c := g.Chain(p)
			chains = append(chains, c)
			events = append(events, c.Events...)
		}
	}
	events = append(events, g.Noise(g.cfg.Noise)...)

	sort.SliceStable(events, func(i, j int) bool {
		return timestampOf(events[i]).Before(timestampOf(events[j]))
	})
	return chains, events
}

// Chain generates one event per phase of p for a fresh user and host. The
// events are spread over half the pattern window so the chain completes inside it.
func (g *Generator) Chain(p *catalog.AttackPattern) Chain {
	user := strings.ToLower(g.faker.Username())
	host := fmt.Sprintf("ws-%04d", g.faker.Number(1, 9999))
	ip := g.faker.IPv4Address()

	window := p.Window
	if window <= 0 {
		window = time.Hour
	}
	step := window / 2 / time.Duration(len(p.Phases)+1)
	start := g.cfg.End.Add(-step * time.Duration(len(p.Phases)))

	c := Chain{PatternID: p.ID, User: user, Host: host}
	for i, ph := range p.Phases {
		ts := start.Add(step * time.Duration(i))
		c.Events = append(c.Events, g.phaseEvent(ph, user, host, ip, ts))
	}
	return c
}

func (g *Generator) phaseEvent(ph catalog.Phase, user, host, ip string, ts time.Time) models.RawEvent {
	source := "siem"
	families := engine.PhaseFamilies(ph)
	for _, fs := range familySources {
		if families[fs.family] {
			source = fs.source
			break
		}
	}

	payload := map[string]interface{}{
		"timestamp":   ts.Format(time.RFC3339Nano),
		"description": strings.TrimSpace(ph.Name + " " + ph.Indicators),
	}
	switch source {
	case "falcon":
		payload["ComputerName"] = host
		payload["UserName"] = user
		payload["CommandLine"] = g.faker.RandomString(commandLines)
		payload["event_simpleName"] = "ProcessRollup2"
	case "entraid":
		payload["userPrincipalName"] = user
		payload["ipAddress"] = ip
		payload["host"] = host
		payload["appDisplayName"] = "Azure Portal"
		payload["status"] = "success"
	case "paloalto":
		payload["user"] = user
		payload["src_ip"] = ip
		payload["device"] = host
		payload["dest_ip"] = g.faker.IPv4Address()
		payload["dest_port"] = g.faker.RandomString([]string{"443", "445", "3389", "22"})
		payload["action"] = "allow"
	case "proofpoint":
		payload["user"] = user
		payload["host"] = host
		payload["sender"] = g.faker.Email()
		payload["subject"] = g.faker.Sentence(5)
	case "aws":
		payload["user"] = user
		payload["host"] = host
		payload["source_ip"] = ip
		payload["eventName"] = g.faker.RandomString([]string{"GetObject", "PutBucketPolicy", "CreateAccessKey"})
	default:
		payload["user"] = user
		payload["host"] = host
		payload["source_ip"] = ip
		payload["event_type"] = ph.Name
		payload["message"] = ph.Source
	}

	return models.RawEvent{
		ID:      g.faker.UUID(),
		Source:  source,
		Payload: payload,
	}
}

// Noise generates unrelated service-account activity.
func (g *Generator) Noise(n int) []models.RawEvent {
	events := make([]models.RawEvent, 0, n)
	for i := 0; i < n; i++ {
		ts := g.cfg.End.Add(-time.Duration(g.faker.Number(0, 3600)) * time.Second)
		events = append(events, models.RawEvent{
			ID:     g.faker.UUID(),
			Source: "siem",
			Payload: map[string]interface{}{
				"timestamp":  ts.Format(time.RFC3339Nano),
				"user":       "svc-" + strings.ToLower(g.faker.Username()),
				"host":       g.faker.DomainName(),
				"event_type": "heartbeat",
				"message":    g.faker.Word(),
			},
		})
	}
	return events
}

// Unmatched returns the phases of p that no event in events matches.
func Unmatched(events []models.RawEvent, p *catalog.AttackPattern) []string {
	norm := engine.NewNormalizer(nil)
	matcher := engine.NewKeywordMatcher()

	hit := make(map[string]bool)
	for _, raw := range events {
		for _, ph := range matcher.Match(norm.Normalize(raw), p) {
			hit[ph.Name] = true
		}
	}

	var missing []string
	for _, ph := range p.Phases {
		if !hit[ph.Name] {
			missing = append(missing, ph.Name)
		}
	}
	return missing
}

func timestampOf(evt models.RawEvent) time.Time {
	s, _ := evt.Payload["timestamp"].(string)
	ts, _ := time.Parse(time.RFC3339Nano, s)
	return ts
}
