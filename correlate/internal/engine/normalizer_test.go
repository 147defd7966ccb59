package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

func TestNormalize_SourceMappings(t *testing.T) {
	n := NewNormalizer(func() time.Time { return base })

	tests := []struct {
		name    string
		raw     models.RawEvent
		source  models.SourceKind
		user    string
		host    string
		ip      string
		extra   map[string]string
		evtType string
	}{
		{
			name: "palo alto traffic",
			raw: models.RawEvent{Source: "PaloAlto", Payload: map[string]interface{}{
				"user": "corp\\bob", "src_ip": "10.0.0.5", "dest_ip": "203.0.113.9", "dest_port": float64(443),
				"device": "fw-edge-01", "action": "allow",
			}},
			source:  models.SourceFirewall,
			user:    "corp\\bob",
			host:    "fw-edge-01",
			ip:      "10.0.0.5",
			extra:   map[string]string{"dest_ip": "203.0.113.9", "dest_port": "443", AttrAction: "allow"},
			evtType: "network",
		},
		{
			name: "entra id sign-in",
			raw: models.RawEvent{Source: "entraid", Payload: map[string]interface{}{
				"userPrincipalName": "carol@corp.example",
				"ipAddress":         "198.51.100.7",
				"appDisplayName":    "Office 365",
				"location":          "Lisbon, PT",
				"deviceDetail":      map[string]interface{}{"operatingSystem": "Windows 11"},
			}},
			source:  models.SourceIdentity,
			user:    "carol@corp.example",
			ip:      "198.51.100.7",
			extra:   map[string]string{"app": "Office 365", "os": "Windows 11", "location": "Lisbon, PT"},
			evtType: "authentication",
		},
		{
			name: "falcon process",
			raw: models.RawEvent{Source: "falcon", Payload: map[string]interface{}{
				"ComputerName": "WS-01", "UserName": "Alice", "CommandLine": "cmd.exe /c whoami",
				"SHA256HashData": "abc123", "event_simpleName": "ProcessRollup2",
			}},
			source:  models.SourceEndpoint,
			user:    "Alice",
			host:    "WS-01",
			extra:   map[string]string{"sha256": "abc123", AttrCommandLine: "cmd.exe /c whoami"},
			evtType: "ProcessRollup2",
		},
		{
			name: "siem result",
			raw: models.RawEvent{Source: "splunk", Payload: map[string]interface{}{
				"host": "db-02", "user": "dave", "source_ip": "10.1.1.1", "event_type": "FileWrite",
			}},
			source:  models.SourceSIEM,
			user:    "dave",
			host:    "db-02",
			ip:      "10.1.1.1",
			evtType: "FileWrite",
		},
		{
			name: "unknown source uses synonyms",
			raw: models.RawEvent{Source: "homegrown", Payload: map[string]interface{}{
				"account": "erin", "machine": "lab-7", "clientIP": "192.0.2.4",
			}},
			source:  models.SourceOther,
			user:    "erin",
			host:    "lab-7",
			ip:      "192.0.2.4",
			evtType: models.EventTypeUnclassified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := n.Normalize(tt.raw)
			assert.Equal(t, tt.source, evt.Source)
			assert.Equal(t, tt.user, evt.User)
			assert.Equal(t, tt.host, evt.Host)
			assert.Equal(t, tt.ip, evt.IP)
			assert.Equal(t, tt.evtType, evt.EventType)
			for k, v := range tt.extra {
				assert.Equal(t, v, evt.Attributes[k], "attribute %s", k)
			}
		})
	}
}

func TestNormalize_CanonicalNameWins(t *testing.T) {
	n := NewNormalizer(nil)
	evt := n.Normalize(models.RawEvent{Source: "falcon", Payload: map[string]interface{}{
		"user":     "canonical",
		"UserName": "mapped",
		"account":  "synonym",
	}})
	assert.Equal(t, "canonical", evt.User)

	evt = n.Normalize(models.RawEvent{Source: "falcon", Payload: map[string]interface{}{
		"UserName": "mapped",
		"account":  "synonym",
	}})
	assert.Equal(t, "mapped", evt.User)
}

func TestNormalize_Timestamp(t *testing.T) {
	clock := base.Add(time.Hour)
	n := NewNormalizer(func() time.Time { return clock })
	received := base.Add(30 * time.Minute)

	tests := []struct {
		name     string
		payload  map[string]interface{}
		received time.Time
		expected time.Time
	}{
		{"rfc3339", map[string]interface{}{"timestamp": "2026-03-02T09:00:00Z"}, time.Time{}, base},
		{"rfc3339 with offset", map[string]interface{}{"time": "2026-03-02T10:00:00+01:00"}, time.Time{}, base},
		{"naive iso", map[string]interface{}{"@timestamp": "2026-03-02T09:00:00"}, time.Time{}, base},
		{"space separated", map[string]interface{}{"eventTime": "2026-03-02 09:00:00"}, time.Time{}, base},
		{"entra created", map[string]interface{}{"createdDateTime": "2026-03-02T09:00:00.000Z"}, time.Time{}, base},
		{"epoch seconds", map[string]interface{}{"Timestamp": float64(base.Unix())}, time.Time{}, base},
		{"epoch millis", map[string]interface{}{"timestamp": float64(base.UnixMilli())}, time.Time{}, base},
		{"epoch string", map[string]interface{}{"timestamp": "1772442000"}, time.Time{}, base},
		{"unparseable falls back to received", map[string]interface{}{"timestamp": "yesterday"}, received, received},
		{"missing falls back to clock", map[string]interface{}{}, time.Time{}, clock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := n.Normalize(models.RawEvent{Source: "siem", Payload: tt.payload, ReceivedAt: tt.received})
			assert.True(t, tt.expected.Equal(evt.Timestamp), "got %s want %s", evt.Timestamp, tt.expected)
			assert.Equal(t, time.UTC, evt.Timestamp.Location())
		})
	}
}

func TestNormalize_EventID(t *testing.T) {
	n := NewNormalizer(nil)
	payload := map[string]interface{}{"user": "alice", "action": "login"}

	a := n.Normalize(models.RawEvent{Source: "siem", Payload: payload})
	b := n.Normalize(models.RawEvent{Source: "siem", Payload: map[string]interface{}{"action": "login", "user": "alice"}})
	c := n.Normalize(models.RawEvent{Source: "okta", Payload: payload})

	assert.Equal(t, a.ID, b.ID, "hash ignores key order")
	assert.NotEqual(t, a.ID, c.ID, "source is part of the hash")
	assert.Regexp(t, `^evt-[0-9a-f]{32}$`, a.ID)

	explicit := n.Normalize(models.RawEvent{ID: "given", Source: "siem", Payload: payload})
	assert.Equal(t, "given", explicit.ID)

	fromPayload := n.Normalize(models.RawEvent{Source: "siem", Payload: map[string]interface{}{"event_id": "p-1"}})
	assert.Equal(t, "p-1", fromPayload.ID)
}

func TestNormalize_EventIDUsesReceiveTimeWithoutTimestamp(t *testing.T) {
	n := NewNormalizer(nil)
	failed := map[string]interface{}{"user": "alice", "action": "login", "result": "failure"}

	first := n.Normalize(models.RawEvent{Source: "entraid", Payload: failed, ReceivedAt: base})
	second := n.Normalize(models.RawEvent{Source: "entraid", Payload: failed, ReceivedAt: base.Add(time.Second)})
	assert.NotEqual(t, first.ID, second.ID, "repeated failures are separate events")

	again := n.Normalize(models.RawEvent{Source: "entraid", Payload: failed, ReceivedAt: base})
	assert.Equal(t, first.ID, again.ID)

	stamped := map[string]interface{}{"user": "alice", "action": "login", "timestamp": base.Format(time.RFC3339)}
	a := n.Normalize(models.RawEvent{Source: "entraid", Payload: stamped, ReceivedAt: base})
	b := n.Normalize(models.RawEvent{Source: "entraid", Payload: stamped, ReceivedAt: base.Add(time.Minute)})
	assert.Equal(t, a.ID, b.ID, "payload timestamp identifies a redelivery")
}

func TestNormalize_FlattensNestedPayload(t *testing.T) {
	n := NewNormalizer(nil)
	evt := n.Normalize(models.RawEvent{Source: "siem", Payload: map[string]interface{}{
		"process": map[string]interface{}{
			"name": "rundll32.exe",
			"args": []interface{}{"a", "b"},
		},
		"blocked": true,
		"missing": nil,
	}})

	assert.Equal(t, "rundll32.exe", evt.Attributes["process.name"])
	assert.Equal(t, "b", evt.Attributes["process.args.1"])
	assert.Equal(t, "true", evt.Attributes["blocked"])
	_, ok := evt.Attributes["missing"]
	assert.False(t, ok)
}

func TestNormalize_Classification(t *testing.T) {
	n := NewNormalizer(nil)

	tests := []struct {
		name     string
		source   string
		payload  map[string]interface{}
		expected string
	}{
		{"explicit type", "siem", map[string]interface{}{"event_type": "custom"}, "custom"},
		{"auth keyword", "siem", map[string]interface{}{"user": "a", "message": "Login succeeded"}, "authentication"},
		{"network", "siem", map[string]interface{}{"RemoteAddressIP4": "203.0.113.1"}, "network"},
		{"process", "siem", map[string]interface{}{"cmd": "rundll32.exe payload.dll"}, "process_execution"},
		{"file by action", "siem", map[string]interface{}{"action": "file_created"}, "file_operation"},
		{"cloud", "aws-cloudtrail", map[string]interface{}{"eventName": "PutObject"}, "cloud_operation"},
		{"email", "proofpoint", map[string]interface{}{"subject": "hello"}, "email"},
		{"empty", "siem", map[string]interface{}{}, models.EventTypeUnclassified},
		{"nil payload", "", nil, models.EventTypeUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := n.Normalize(models.RawEvent{Source: tt.source, Payload: tt.payload})
			require.NotNil(t, evt)
			assert.Equal(t, tt.expected, evt.EventType)
		})
	}
}
