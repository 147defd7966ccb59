package engine

import (
	"strings"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// Entity dimensions in key order.
const (
	DimUser  = "user"
	DimHost  = "host"
	DimIP    = "ip"
	DimEvent = "event"
)

// EntityKey identifies the actor or asset an event belongs to,
// serialized as "dimension:value" pairs joined by "|". Values have
// "%" and "|" percent-encoded.
type EntityKey string

var (
	valueEscaper   = strings.NewReplacer("%", "%25", "|", "%7C")
	valueUnescaper = strings.NewReplacer("%7C", "|", "%25", "%")
)

// Dimension is one (name, value) pair of an EntityKey.
type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Dimensions splits the key back into its pairs.
func (k EntityKey) Dimensions() []Dimension {
	if k == "" {
		return nil
	}
	parts := strings.Split(string(k), "|")
	dims := make([]Dimension, 0, len(parts))
	for _, p := range parts {
		name, value, _ := strings.Cut(p, ":")
		dims = append(dims, Dimension{Name: name, Value: valueUnescaper.Replace(value)})
	}
	return dims
}

// String implements fmt.Stringer.
func (k EntityKey) String() string {
	return string(k)
}

// ResolveEntity derives the correlation key of evt.
// Priority: user+host, user+ip, host, user, ip, then the event id.
func ResolveEntity(evt *models.NormalizedEvent) EntityKey {
	user := canonicalName(evt.User)
	host := canonicalName(evt.Host)
	ip := strings.TrimSpace(evt.IP)

	var dims []Dimension
	switch {
	case user != "" && host != "":
		dims = []Dimension{{DimUser, user}, {DimHost, host}}
	case user != "" && ip != "":
		dims = []Dimension{{DimUser, user}, {DimIP, ip}}
	case host != "":
		dims = []Dimension{{DimHost, host}}
	case user != "":
		dims = []Dimension{{DimUser, user}}
	case ip != "":
		dims = []Dimension{{DimIP, ip}}
	default:
		dims = []Dimension{{DimEvent, evt.ID}}
	}
	return makeKey(dims)
}

func makeKey(dims []Dimension) EntityKey {
	var b strings.Builder
	for i, d := range dims {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(d.Name)
		b.WriteByte(':')
		b.WriteString(valueEscaper.Replace(d.Value))
	}
	return EntityKey(b.String())
}

func canonicalName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
