package schema

import (
	"time"

	"github.com/google/uuid"
)

// RuleTypeDomainIOC is the only rule type evaluated by the detection engine.
// Other types (e.g. vendor signature rules) are stored but not evaluated.
const RuleTypeDomainIOC = "DOMAIN_IOC"

// TagAutoGenerated marks machine-generated rules so they can be bulk-removed
// without touching hand-authored ones.
const TagAutoGenerated = "auto-generated"

// Rule is a stored indicator-of-compromise pattern. (Type, Pattern) is the
// semantic matching key; duplicates are permitted and evaluated independently.
type Rule struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	Pattern     string    `json:"pattern"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`

	// Legacy signature-rule fields, carried for vendor rules pushed by the
	// rule-generation pipeline. Not evaluated by the engine.
	Vendor string `json:"vendor,omitempty"`
	SID    int64  `json:"sid,omitempty"`
	Name   string `json:"name,omitempty"`
	Body   string `json:"body,omitempty"`
}

// HasTag reports whether the rule carries the given tag.
func (r *Rule) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
