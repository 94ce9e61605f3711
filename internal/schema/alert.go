package schema

import (
	"time"

	"github.com/google/uuid"
)

// SeverityHigh is the fixed severity of IOC-match alerts.
const SeverityHigh = "high"

// AlertReason explains why an alert fired: the ordered list of rule hits plus
// the SNI and event kind extracted at evaluation time.
type AlertReason struct {
	RuleHits []string `json:"rule_hits"`
	SNI      string   `json:"sni,omitempty"`
	Kind     string   `json:"kind"`
}

// Alert is the record produced when one or more rules match an event. Alerts
// are created exclusively by the detection engine and never updated.
type Alert struct {
	ID        uuid.UUID   `json:"id"`
	EventID   uuid.UUID   `json:"event_id"`
	Severity  string      `json:"severity"`
	Reason    AlertReason `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`

	// Event is the joined source event, populated by list queries.
	Event *Event `json:"event,omitempty"`
}
