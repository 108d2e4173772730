package schemas

import (
	"encoding/json"
	"fmt"
)

// MutationType enumerates the changes the guardrail layer understands.
type MutationType string

const (
	MutationCreate MutationType = "CREATE"
	MutationUpdate MutationType = "UPDATE"
	MutationPause  MutationType = "PAUSE"
	MutationRemove MutationType = "REMOVE"
	MutationEnable MutationType = "ENABLE"
)

// MutationResource names the entity class a mutation touches.
type MutationResource string

const (
	ResourceCampaign  MutationResource = "campaign"
	ResourceAdGroup   MutationResource = "ad_group"
	ResourceKeyword   MutationResource = "keyword"
	ResourceTargeting MutationResource = "targeting"
	ResourceBudget    MutationResource = "budget"
	ResourceBid       MutationResource = "bid"
)

// Mutation is a proposed change to an advertising entity. It is transient:
// the guardrail layer consumes it, emits a GuardrailResult, and the record
// is discarded.
type Mutation struct {
	Type     MutationType     `json:"type"`
	Resource MutationResource `json:"resource"`
	EntityID string           `json:"entity_id"`

	// Changes carries the resource-specific fields being set. Well-known
	// keys: "daily_budget", "bid", "keyword_text", "final_url", "devices",
	// "parent_campaign_id".
	Changes map[string]json.RawMessage `json:"changes"`

	// EstimatedCost is the projected daily spend impact of this change.
	EstimatedCost float64 `json:"estimated_cost"`
}

// Validate rejects structurally incomplete mutations before any check runs.
func (m Mutation) Validate() error {
	switch m.Type {
	case MutationCreate, MutationUpdate, MutationPause, MutationRemove, MutationEnable:
	default:
		return fmt.Errorf("mutation: unknown type %q", m.Type)
	}
	switch m.Resource {
	case ResourceCampaign, ResourceAdGroup, ResourceKeyword, ResourceTargeting, ResourceBudget, ResourceBid:
	default:
		return fmt.Errorf("mutation: unknown resource %q", m.Resource)
	}
	if m.EntityID == "" && m.Type != MutationCreate {
		return fmt.Errorf("mutation: entity id is required for %s", m.Type)
	}
	return nil
}

// StringChange extracts a string-valued change field, reporting whether the
// key was present and decodable.
func (m Mutation) StringChange(key string) (string, bool) {
	raw, ok := m.Changes[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// FloatChange extracts a numeric change field.
func (m Mutation) FloatChange(key string) (float64, bool) {
	raw, ok := m.Changes[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// StringsChange extracts a string-list change field.
func (m Mutation) StringsChange(key string) ([]string, bool) {
	raw, ok := m.Changes[key]
	if !ok {
		return nil, false
	}
	var s []string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return s, true
}

// RiskLevel summarizes the blast radius of applying a mutation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// EstimatedImpact is the guardrail layer's summary judgment of a mutation.
type EstimatedImpact struct {
	RiskLevel RiskLevel `json:"risk_level"`
}

// Modification is a guardrail-suggested override the caller may apply
// instead of rejecting the mutation outright, e.g. clamping an over-limit
// bid to the ceiling.
type Modification struct {
	Field     string          `json:"field"`
	Original  json.RawMessage `json:"original"`
	Suggested json.RawMessage `json:"suggested"`
	Reason    string          `json:"reason"`
}

// GuardrailResult is the outcome of validating one mutation. Passed is false
// when any critical violation exists, or any error violation under hard
// enforcement.
type GuardrailResult struct {
	Passed          bool            `json:"passed"`
	Violations      []Violation     `json:"violations,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Modifications   []Modification  `json:"modifications,omitempty"`
	EstimatedImpact EstimatedImpact `json:"estimated_impact"`
}
