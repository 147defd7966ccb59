package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// Canonical attribute names produced by the normalizer.
const (
	AttrUser        = "user"
	AttrHost        = "host"
	AttrIP          = "ip"
	AttrFile        = "file"
	AttrCommandLine = "commandline"
	AttrAction      = "action"
	AttrEventType   = "event_type"
)

// canonicalFields are resolved for every event, in this order.
var canonicalFields = []string{AttrUser, AttrHost, AttrIP, AttrFile, AttrCommandLine, AttrAction, AttrEventType}

// synonyms lists the field names tried, in order, when neither the canonical
// name nor a source mapping yields a value.
var synonyms = map[string][]string{
	AttrUser:        {"user", "username", "user_name", "userName", "account", "identity", "UserName", "UserPrincipalName"},
	AttrHost:        {"computer", "hostname", "host", "device", "machine", "endpoint", "ComputerName"},
	AttrIP:          {"ip", "ip_address", "ipAddress", "source_ip", "src_ip", "clientIP", "aip", "RemoteAddressIP4"},
	AttrFile:        {"file", "filename", "file_name", "targetFileName", "path", "FileName"},
	AttrCommandLine: {"command", "commandline", "cmd", "process_command", "command_line", "CommandLine"},
	AttrAction:      {"action", "result", "status", "outcome", "disposition"},
	AttrEventType:   {"event_type", "eventType", "event_simpleName", "category"},
}

// sourceMappings maps connector-specific field paths onto canonical attributes.
var sourceMappings = map[string]map[string]string{
	"paloalto": {
		AttrUser:    "user",
		AttrIP:      "src_ip",
		"dest_ip":   "dest_ip",
		"src_port":  "src_port",
		"dest_port": "dest_port",
		AttrAction:  "action",
		AttrHost:    "device",
	},
	"entraid": {
		AttrUser:   "userPrincipalName",
		AttrIP:     "ipAddress",
		"location": "location",
		"app":      "appDisplayName",
		AttrAction: "status",
		"os":       "deviceDetail.operatingSystem",
	},
	"falcon": {
		AttrHost:        "ComputerName",
		AttrUser:        "UserName",
		AttrFile:        "FileName",
		AttrCommandLine: "CommandLine",
		"sha256":        "SHA256HashData",
		AttrEventType:   "event_simpleName",
	},
	"siem": {
		AttrHost:      "host",
		AttrUser:      "user",
		AttrIP:        "source_ip",
		AttrEventType: "event_type",
	},
}

var timestampFields = []string{"timestamp", "time", "@timestamp", "eventTime", "createdDateTime", "Timestamp"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

var eventIDFields = []string{"event_id", "eventId", "id", "EventID"}

// Normalizer converts raw connector events into NormalizedEvents.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a Normalizer. now is used only when an event carries no
// timestamp and no receive time; nil means time.Now.
func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize never fails: missing fields stay empty and unknown sources become "other".
func (n *Normalizer) Normalize(raw models.RawEvent) *models.NormalizedEvent {
	product := strings.ToLower(strings.TrimSpace(raw.Source))
	flat := flatten(raw.Payload)

	attrs := make(map[string]string, len(flat)+len(canonicalFields))
	for k, v := range flat {
		attrs[k] = v
	}

	mapping := sourceMappings[mappingFamily(product)]
	for _, name := range canonicalFields {
		if v := resolveField(flat, name, mapping); v != "" {
			attrs[name] = v
		}
	}
	// Mapping-only extras such as dest_ip or location
	for name, path := range mapping {
		if _, done := attrs[name]; done {
			continue
		}
		if v := flat[path]; v != "" {
			attrs[name] = v
		}
	}

	evt := &models.NormalizedEvent{
		ID:         eventID(raw, flat),
		Timestamp:  n.timestamp(raw),
		Source:     SourceKindOf(product),
		Product:    product,
		User:       attrs[AttrUser],
		Host:       attrs[AttrHost],
		IP:         attrs[AttrIP],
		Attributes: attrs,
		RawPayload: raw.Payload,
	}
	evt.EventType = classify(evt)
	return evt
}

func resolveField(flat map[string]string, name string, mapping map[string]string) string {
	if v := flat[name]; v != "" {
		return v
	}
	if path, ok := mapping[name]; ok {
		if v := flat[path]; v != "" {
			return v
		}
	}
	for _, syn := range synonyms[name] {
		if v := flat[syn]; v != "" {
			return v
		}
	}
	return ""
}

// SourceKindOf maps a connector tag to its source family.
func SourceKindOf(product string) models.SourceKind {
	p := strings.ToLower(product)
	switch {
	case containsAny(p, "falcon", "crowdstrike", "edr", "endpoint", "sysmon", "defender"):
		return models.SourceEndpoint
	case containsAny(p, "paloalto", "palo_alto", "firewall", "ngfw", "umbrella", "fortinet"):
		return models.SourceFirewall
	case containsAny(p, "entraid", "entra", "azuread", "okta", "identity"):
		return models.SourceIdentity
	case containsAny(p, "siem", "splunk", "sentinel", "qradar", "elastic"):
		return models.SourceSIEM
	default:
		return models.SourceOther
	}
}

func mappingFamily(product string) string {
	switch {
	case containsAny(product, "falcon", "crowdstrike"):
		return "falcon"
	case containsAny(product, "paloalto", "palo_alto"):
		return "paloalto"
	case containsAny(product, "entra", "azuread"):
		return "entraid"
	case containsAny(product, "siem", "splunk", "sentinel", "qradar"):
		return "siem"
	}
	return ""
}

func (n *Normalizer) timestamp(raw models.RawEvent) time.Time {
	if ts, ok := payloadTimestamp(raw.Payload); ok {
		return ts.UTC()
	}
	if !raw.ReceivedAt.IsZero() {
		return raw.ReceivedAt.UTC()
	}
	return n.now().UTC()
}

func payloadTimestamp(payload map[string]interface{}) (time.Time, bool) {
	for _, field := range timestampFields {
		v, ok := payload[field]
		if !ok {
			continue
		}
		if ts, ok := parseTimestamp(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func hasTimestamp(payload map[string]interface{}) bool {
	_, ok := payloadTimestamp(payload)
	return ok
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
	case float64:
		return fromEpoch(t)
	case int:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return fromEpoch(f)
		}
	}
	return time.Time{}, false
}

// fromEpoch accepts seconds or milliseconds since the epoch.
func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

// eventID prefers an explicit id, then a payload id, then a hash of source and payload.
func eventID(raw models.RawEvent, flat map[string]string) string {
	if raw.ID != "" {
		return raw.ID
	}
	for _, f := range eventIDFields {
		if v := flat[f]; v != "" {
			return v
		}
	}
	// encoding/json sorts map keys, so the digest is stable
	body, err := json.Marshal(raw.Payload)
	if err != nil {
		body = []byte(fmt.Sprintf("%v", raw.Payload))
	}
	h := sha256.New()
	h.Write([]byte(strings.ToLower(raw.Source) + "\x00"))
	h.Write(body)
	// Without a payload timestamp, identical payloads are told apart by receive time
	if !raw.ReceivedAt.IsZero() && !hasTimestamp(raw.Payload) {
		h.Write([]byte("\x00" + raw.ReceivedAt.UTC().Format(time.RFC3339Nano)))
	}
	return "evt-" + hex.EncodeToString(h.Sum(nil)[:16])
}

func classify(evt *models.NormalizedEvent) string {
	attrs := evt.Attributes
	if t := attrs[AttrEventType]; t != "" {
		return t
	}

	text := strings.ToLower(joinValues(attrs))

	if evt.User != "" && (evt.Source == models.SourceIdentity || containsAny(text, "auth", "login", "logon", "signin")) {
		return "authentication"
	}
	for _, k := range []string{"dest_ip", "dest_port", "RemoteAddressIP4", "RemotePort", "LocalAddressIP4"} {
		if attrs[k] != "" {
			return "network"
		}
	}
	if containsAny(strings.ToLower(attrs[AttrCommandLine]), "powershell", "cmd.exe", "wscript", "rundll32") {
		return "process_execution"
	}
	if strings.Contains(text, "filewrite") || strings.Contains(strings.ToLower(attrs[AttrAction]), "file") {
		return "file_operation"
	}
	if containsAny(evt.Product, "aws", "azure", "gcp", "cloud") {
		return "cloud_operation"
	}
	if strings.Contains(evt.Product, "proofpoint") || strings.Contains(text, "email") {
		return "email"
	}
	return models.EventTypeUnclassified
}

// flatten converts a nested payload into dot-path keys with string values.
func flatten(payload map[string]interface{}) map[string]string {
	out := make(map[string]string, len(payload))
	flattenInto(out, "", payload)
	return out
}

func flattenInto(out map[string]string, prefix string, v interface{}) {
	switch t := v.(type) {
	case nil:
	case map[string]interface{}:
		for k, child := range t {
			flattenInto(out, joinPath(prefix, k), child)
		}
	case []interface{}:
		for i, child := range t {
			flattenInto(out, joinPath(prefix, strconv.Itoa(i)), child)
		}
	case string:
		out[prefix] = t
	case float64:
		out[prefix] = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(t)
	case time.Time:
		out[prefix] = t.UTC().Format(time.RFC3339Nano)
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// joinValues concatenates attribute values in key order.
func joinValues(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(attrs[k])
		b.WriteByte('\n')
	}
	return b.String()
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
