package model

import "time"

// Source kinds with reserved semantics. Other kinds come from the rank table.
const (
	// SourceInvestigation is used by the investigation engine for corrective
	// assertions. The rank table gives it a rank high enough to override the
	// data it corrects.
	SourceInvestigation = "investigation"
)

// Assertion is one claimed value for an entity attribute, with provenance.
// Assertions are immutable: the source ledger is an append-only sequence of
// them per (entity, attribute), whether or not they won precedence.
type Assertion struct {
	ID           string     `json:"id"`
	EntityID     string     `json:"entity_id"`
	Attribute    string     `json:"attribute"`
	Value        any        `json:"value"`
	SourceKind   string     `json:"source_kind"`
	SourceRank   int        `json:"source_rank"`
	DocumentDate *time.Time `json:"document_date,omitempty"`
	Accepted     bool       `json:"accepted"`
	Reason       string     `json:"reason,omitempty"`
	IngestedAt   time.Time  `json:"ingested_at"`
}

// AssertionInput is what an extraction handler returns: a claimed value
// before the reconciliation engine has resolved rank or precedence.
type AssertionInput struct {
	Attribute    string     `json:"attribute"`
	Value        any        `json:"value"`
	SourceKind   string     `json:"source_kind"`
	DocumentDate *time.Time `json:"document_date,omitempty"`
	// Status is set when the handler observed a lifecycle event
	// (e.g. a completion filing). Empty for plain attribute values.
	Status Status `json:"status,omitempty"`
}
