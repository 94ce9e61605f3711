// Package schema defines the canonical records of the detection pipeline and
// the typed view over semi-structured EVE payloads. All ingested events are
// normalized to these structures before storage.
package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// KindUnknown is assigned when a raw record carries no event_type field.
const KindUnknown = "unknown"

// Event is one immutable network observation tied to a Host. The raw EVE
// record is preserved verbatim in Payload.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	HostID    string     `json:"host_id"`
	Kind      string     `json:"kind"`
	Payload   RawPayload `json:"payload"`
	Timestamp time.Time  `json:"ts"`
}

// RawPayload is a raw EVE-style record: a TLS handshake, DNS query, HTTP
// transaction or flow summary, keyed at minimum by event_type.
type RawPayload map[string]any

// NewEvent assigns a fresh id and derives the kind from the payload.
func NewEvent(hostID string, payload RawPayload, ts time.Time) Event {
	return Event{
		ID:        uuid.New(),
		HostID:    hostID,
		Kind:      payload.EventType(),
		Payload:   payload,
		Timestamp: ts,
	}
}

// EventType returns the event_type discriminator, or "unknown".
func (p RawPayload) EventType() string {
	if t, ok := p["event_type"].(string); ok && t != "" {
		return t
	}
	return KindUnknown
}

func (p RawPayload) section(key string) map[string]any {
	if s, ok := p[key].(map[string]any); ok {
		return s
	}
	return nil
}

func (p RawPayload) sectionString(section, field string) string {
	s := p.section(section)
	if s == nil {
		return ""
	}
	v, _ := s[field].(string)
	return v
}

// SNI returns the TLS Server Name Indication, if present.
func (p RawPayload) SNI() string {
	return p.sectionString("tls", "sni")
}

// DNSQueryName returns the DNS rrname, if present.
func (p RawPayload) DNSQueryName() string {
	return p.sectionString("dns", "rrname")
}

// HTTPHostname returns the HTTP hostname, if present.
func (p RawPayload) HTTPHostname() string {
	return p.sectionString("http", "hostname")
}

// HTTPURL returns the HTTP request URL, if present.
func (p RawPayload) HTTPURL() string {
	return p.sectionString("http", "url")
}

// HTTPUserAgent returns the HTTP user agent, if present.
func (p RawPayload) HTTPUserAgent() string {
	return p.sectionString("http", "http_user_agent")
}

// FiveTuple describes the network 5-tuple of an event when the sensor
// reported one.
type FiveTuple struct {
	SrcIP    string `json:"src_ip,omitempty"`
	SrcPort  int    `json:"src_port,omitempty"`
	DestIP   string `json:"dest_ip,omitempty"`
	DestPort int    `json:"dest_port,omitempty"`
	Proto    string `json:"proto,omitempty"`
}

// FiveTuple extracts the 5-tuple fields from the payload top level.
func (p RawPayload) FiveTuple() FiveTuple {
	ft := FiveTuple{}
	ft.SrcIP, _ = p["src_ip"].(string)
	ft.DestIP, _ = p["dest_ip"].(string)
	ft.Proto, _ = p["proto"].(string)
	ft.SrcPort = intField(p, "src_port")
	ft.DestPort = intField(p, "dest_port")
	return ft
}

func intField(p RawPayload, key string) int {
	switch n := p[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// EventTimestamp parses the payload timestamp, falling back to now. Sensors
// emit RFC3339 or the Suricata "2006-01-02T15:04:05.999999-0700" layout.
func (p RawPayload) EventTimestamp(now time.Time) time.Time {
	raw, ok := p["timestamp"].(string)
	if !ok || raw == "" {
		return now
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999-0700"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return now
}

// BatchEnvelope is the bus message published per accepted ingest batch on the
// raw-event topic. Event order matches the input order.
type BatchEnvelope struct {
	HostID string  `json:"host_id"`
	Events []Event `json:"events"`
}
