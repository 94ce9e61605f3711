package schema

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator validates inbound ingest batches and rule inputs.
type Validator struct {
	validate *validator.Validate
	maxBatch int
}

// NewValidator creates a Validator. maxBatch caps the number of records per
// ingest batch; zero means no cap.
func NewValidator(maxBatch int) *Validator {
	return &Validator{
		validate: validator.New(),
		maxBatch: maxBatch,
	}
}

// IngestInput is the raw body of POST /ingest/eve before events are assigned
// ids. Events must be JSON objects; anything else fails validation.
type IngestInput struct {
	HostID string       `json:"host_id" validate:"required,max=256"`
	Events []RawPayload `json:"events" validate:"required,min=1"`
}

// ValidateIngest checks an ingest batch. A failure here must leave zero side
// effects upstream.
func (v *Validator) ValidateIngest(in *IngestInput) error {
	if err := v.validate.Struct(in); err != nil {
		return fmt.Errorf("invalid ingest batch: %w", err)
	}
	if v.maxBatch > 0 && len(in.Events) > v.maxBatch {
		return fmt.Errorf("batch size %d exceeds maximum of %d", len(in.Events), v.maxBatch)
	}
	for i, ev := range in.Events {
		if ev == nil {
			return fmt.Errorf("event[%d]: must be a JSON object", i)
		}
	}
	return nil
}

// RuleInput is the body of POST /rulesets/rules. Only type and pattern are
// required; enabled defaults to true when omitted.
type RuleInput struct {
	Type        string   `json:"type" validate:"required,max=64"`
	Pattern     string   `json:"pattern" validate:"required,max=1024"`
	Description string   `json:"description,omitempty" validate:"max=1024"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Tags        []string `json:"tags,omitempty" validate:"dive,max=128"`

	Vendor string `json:"vendor,omitempty" validate:"max=64"`
	SID    int64  `json:"sid,omitempty"`
	Name   string `json:"name,omitempty" validate:"max=256"`
	Body   string `json:"body,omitempty" validate:"max=8192"`
}

// ValidateRule checks a rule input.
func (v *Validator) ValidateRule(in *RuleInput) error {
	if err := v.validate.Struct(in); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	return nil
}
