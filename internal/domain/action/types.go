// Package action defines the founder-declared action and evidence vocabulary:
// the closed type sets, verification plans, and the opaque payload shapes the
// engine inspects only at declared fields.
package action

import (
	"fmt"
	"strings"
)

// Type is the closed set of founder-declared action kinds.
type Type string

const (
	TypeRevenue     Type = "revenue"
	TypeProduct     Type = "product"
	TypeHiring      Type = "hiring"
	TypeFunding     Type = "funding"
	TypePartnership Type = "partnership"
	TypePress       Type = "press"
	TypeMilestone   Type = "milestone"
	TypeOther       Type = "other"
)

// Valid reports membership in the closed action type set.
func (t Type) Valid() bool {
	switch t {
	case TypeRevenue, TypeProduct, TypeHiring, TypeFunding,
		TypePartnership, TypePress, TypeMilestone, TypeOther:
		return true
	}
	return false
}

// Impact is the founder's declared magnitude guess.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Valid reports membership in the closed impact set.
func (i Impact) Valid() bool {
	switch i {
	case ImpactLow, ImpactMedium, ImpactHigh:
		return true
	}
	return false
}

// Status is the verification state machine position of an action.
type Status string

const (
	StatusPending            Status = "pending"
	StatusProvisionalApplied Status = "provisional_applied"
	StatusVerified           Status = "verified"
)

// EvidenceType is the closed set of evidence artifact kinds.
type EvidenceType string

const (
	EvidenceOAuthConnector   EvidenceType = "oauth_connector"
	EvidenceWebhookEvent     EvidenceType = "webhook_event"
	EvidenceDocumentUpload   EvidenceType = "document_upload"
	EvidenceBankTransaction  EvidenceType = "bank_transaction"
	EvidencePublicLink       EvidenceType = "public_link"
	EvidenceScreenshot       EvidenceType = "screenshot"
	EvidenceEmailProof       EvidenceType = "email_proof"
	EvidenceManualReviewNote EvidenceType = "manual_review_note"
)

// Valid reports membership in the closed evidence type set.
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceOAuthConnector, EvidenceWebhookEvent, EvidenceDocumentUpload,
		EvidenceBankTransaction, EvidencePublicLink, EvidenceScreenshot,
		EvidenceEmailProof, EvidenceManualReviewNote:
		return true
	}
	return false
}

// RequirementKind is the family of a verification plan requirement.
type RequirementKind string

const (
	RequireConnect RequirementKind = "connect"
	RequireUpload  RequirementKind = "upload"
	RequireLink    RequirementKind = "link"
	RequireReview  RequirementKind = "review"
)

// Requirement is one entry in a verification plan, e.g. connect:stripe or
// upload:invoice.
type Requirement struct {
	Kind  RequirementKind `json:"kind"`
	Value string          `json:"value"`
}

// String renders the requirement in its kind:value wire form.
func (r Requirement) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Value)
}

// ParseRequirement parses the kind:value wire form.
func ParseRequirement(s string) (Requirement, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		return Requirement{}, fmt.Errorf("malformed requirement %q", s)
	}
	return Requirement{Kind: RequirementKind(kind), Value: value}, nil
}

// Plan is the per-action evidence checklist with a target verification
// threshold and a completion window.
type Plan struct {
	Requirements         []Requirement `json:"requirements"`
	TargetVerification   float64       `json:"target_verification"`
	VerificationWindowDays int         `json:"verification_window_days"`
}

// Has reports whether any requirement of the given kind is present.
func (p Plan) Has(kind RequirementKind) bool {
	for _, r := range p.Requirements {
		if r.Kind == kind {
			return true
		}
	}
	return false
}

// HasExact reports whether the exact requirement is present.
func (p Plan) HasExact(req Requirement) bool {
	for _, r := range p.Requirements {
		if r == req {
			return true
		}
	}
	return false
}

// Fields is the structured freeform payload attached to an action
// (amounts, customer names). Unknown keys pass through untouched.
type Fields map[string]interface{}

// MRRDeltaUSD extracts the declared MRR movement, if present.
func (f Fields) MRRDeltaUSD() (float64, bool) {
	return numeric(f["mrrDeltaUsd"])
}

// CustomerName extracts the declared customer, if present.
func (f Fields) CustomerName() (string, bool) {
	s, ok := f["customerName"].(string)
	return s, ok && s != ""
}

// Ref describes an evidence artifact's source. The engine inspects only the
// provider key; everything else is opaque.
type Ref map[string]interface{}

// Provider extracts the connector provider, if declared.
func (r Ref) Provider() (string, bool) {
	s, ok := r["provider"].(string)
	return s, ok && s != ""
}

// Extracted is the structured record the external extractor produces from an
// evidence artifact. All fields are optional; unknown keys are dropped by
// the decoder, which is the intended pass-through behavior.
type Extracted struct {
	Flags    []string               `json:"flags,omitempty"`
	Amounts  *Amounts               `json:"amounts,omitempty"`
	Dates    map[string]interface{} `json:"dates,omitempty"`
	Entities *Entities              `json:"entities,omitempty"`
}

// Amounts carries extracted monetary figures.
type Amounts struct {
	USD *float64 `json:"usd,omitempty"`
}

// Entities carries extracted named entities.
type Entities struct {
	Customer string `json:"customer,omitempty"`
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
