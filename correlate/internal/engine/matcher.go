package engine

import (
	"strings"

	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// Matcher decides which phases of a pattern an event satisfies.
// Implementations must be pure; counting happens in the engine.
type Matcher interface {
	Match(evt *models.NormalizedEvent, pattern *catalog.AttackPattern) []catalog.Phase
}

// Source families shared by events and phase source descriptions.
const (
	FamilyEndpoint = "endpoint"
	FamilyFirewall = "firewall"
	FamilyIdentity = "identity"
	FamilyCloud    = "cloud"
	FamilyEmail    = "email"
)

var familyVocabulary = []struct {
	family   string
	keywords []string
}{
	{FamilyEndpoint, []string{"falcon", "crowdstrike", "edr", "endpoint", "sysmon", "defender"}},
	{FamilyFirewall, []string{"paloalto", "palo alto", "palo_alto", "firewall", "ngfw", "umbrella", "fortinet"}},
	{FamilyIdentity, []string{"entraid", "entra", "azuread", "azure ad", "okta", "identity"}},
	{FamilyCloud, []string{"aws", "azure", "gcp", "cloud", "s3"}},
	{FamilyEmail, []string{"proofpoint", "email", "mimecast", "mail gateway"}},
}

// indicatorVocabulary holds attack-indicator tokens: execution, endpoint,
// network and cloud, authentication, and data movement.
var indicatorVocabulary = []string{
	"powershell", "cmd.exe", "wscript", "rundll32",
	"processrollup", "filewrite", "datastaged",
	"networkconnect", "remoteaddress", "putobject",
	"authentication", "login", "signin",
	"upload", "download", "transfer",
}

var phaseKeywordGroups = []struct {
	group    string
	keywords []string
}{
	{"delivery", []string{"email", "attachment", "proofpoint"}},
	{"execution", []string{"process", "cmd", "powershell", "script"}},
	{"network", []string{"connection", "outbound", "remote", "c2"}},
	{"persistence", []string{"filewrite", "service", "startup", "registry"}},
	{"staging", []string{"zip", "rar", "archive", "staged"}},
	{"transfer", []string{"upload", "download", "exfil"}},
	{"authentication", []string{"login", "auth", "signin", "mfa"}},
	{"privilege", []string{"admin", "elevate", "privilege"}},
	{"lateral", []string{"smb", "rdp", "wmi", "movement"}},
	{"discovery", []string{"recon", "whoami", "ipconfig", "enum"}},
	{"impact", []string{".locked", "encrypt", "ransom", "vssadmin", "shadow"}},
}

// KeywordMatcher is the default recall-biased matcher. A phase matches when
// the event's source family is one the phase names, when an indicator token
// occurs in both the event and the phase indicators, or when a keyword of the
// phase name's group occurs in the event.
type KeywordMatcher struct{}

// NewKeywordMatcher returns the default matcher.
func NewKeywordMatcher() *KeywordMatcher {
	return &KeywordMatcher{}
}

// Match implements Matcher.
func (m *KeywordMatcher) Match(evt *models.NormalizedEvent, pattern *catalog.AttackPattern) []catalog.Phase {
	if evt == nil || pattern == nil {
		return nil
	}

	text := eventText(evt)
	families := EventFamilies(evt)

	var matched []catalog.Phase
	for _, ph := range pattern.Phases {
		if matchSource(families, ph) || matchIndicator(text, ph) || matchPhaseName(text, ph) {
			matched = append(matched, ph)
		}
	}
	return matched
}

// EventFamilies returns the source families an event belongs to.
func EventFamilies(evt *models.NormalizedEvent) map[string]bool {
	families := familiesOf(evt.Product)
	switch evt.Source {
	case models.SourceEndpoint:
		families[FamilyEndpoint] = true
	case models.SourceFirewall:
		families[FamilyFirewall] = true
	case models.SourceIdentity:
		families[FamilyIdentity] = true
	}
	switch evt.EventType {
	case "email":
		families[FamilyEmail] = true
	case "cloud_operation":
		families[FamilyCloud] = true
	}
	return families
}

// PhaseFamilies returns the source families a phase's source description names.
func PhaseFamilies(ph catalog.Phase) map[string]bool {
	return familiesOf(ph.Source)
}

func familiesOf(text string) map[string]bool {
	text = strings.ToLower(text)
	out := make(map[string]bool)
	for _, fv := range familyVocabulary {
		if containsAny(text, fv.keywords...) {
			out[fv.family] = true
		}
	}
	return out
}

func matchSource(eventFamilies map[string]bool, ph catalog.Phase) bool {
	if len(eventFamilies) == 0 {
		return false
	}
	for family := range PhaseFamilies(ph) {
		if eventFamilies[family] {
			return true
		}
	}
	return false
}

func matchIndicator(eventText string, ph catalog.Phase) bool {
	indicators := strings.ToLower(ph.Indicators)
	if indicators == "" {
		return false
	}
	for _, kw := range indicatorVocabulary {
		if strings.Contains(indicators, kw) && strings.Contains(eventText, kw) {
			return true
		}
	}
	return false
}

func matchPhaseName(eventText string, ph catalog.Phase) bool {
	name := strings.ToLower(ph.Name)
	for _, g := range phaseKeywordGroups {
		if strings.Contains(name, g.group) && containsAny(eventText, g.keywords...) {
			return true
		}
	}
	return false
}

// eventText is the lower-cased haystack scanned for keywords.
func eventText(evt *models.NormalizedEvent) string {
	return strings.ToLower(evt.Product + "\n" + evt.EventType + "\n" + joinValues(evt.Attributes))
}
