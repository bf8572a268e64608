package model

import "time"

// Status represents the lifecycle state of a tracked entity.
type Status string

const (
	StatusSearching  Status = "searching"
	StatusAnnounced  Status = "announced"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusLiquidated Status = "liquidated"
	StatusDelisted   Status = "delisted"
)

// allowedTransitions enumerates the valid lifecycle edges. A status missing
// from the map has no outgoing edges (terminal).
var allowedTransitions = map[Status][]Status{
	StatusSearching:  {StatusAnnounced, StatusLiquidated, StatusDelisted},
	StatusAnnounced:  {StatusCompleted, StatusTerminated, StatusLiquidated, StatusDelisted},
	StatusCompleted:  {StatusDelisted},
	StatusTerminated: {StatusDelisted},
	StatusLiquidated: {StatusDelisted},
}

// statusPrecedence orders terminal-state conflicts within a single processing
// epoch. Higher value wins; the winner explains the others (a delisting that
// follows a termination is part of the same outcome, not a separate event).
var statusPrecedence = map[Status]int{
	StatusCompleted:  6,
	StatusTerminated: 5,
	StatusLiquidated: 4,
	StatusDelisted:   3,
	StatusAnnounced:  2,
	StatusSearching:  1,
}

// CanTransition reports whether the lifecycle edge from → to is allowed.
// Self-transitions are allowed (idempotent re-assertion of the same status).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known lifecycle statuses.
func (s Status) Valid() bool {
	_, ok := statusPrecedence[s]
	return ok
}

// IsTerminal reports whether a status soft-archives the entity.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusLiquidated, StatusDelisted:
		return true
	}
	return false
}

// ResolveStatusConflict picks the winning status among conflicting assertions
// made in the same processing epoch. Returns the winner and the superseded
// statuses (for the audit trail). An empty input returns ("", nil).
func ResolveStatusConflict(candidates []Status) (Status, []Status) {
	if len(candidates) == 0 {
		return "", nil
	}
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if statusPrecedence[c] > statusPrecedence[winner] {
			winner = c
		}
	}
	var superseded []Status
	for _, c := range candidates {
		if c != winner {
			superseded = append(superseded, c)
		}
	}
	return winner, superseded
}

// AttributeValue is the current winning value for one entity attribute,
// with the provenance of the assertion that won precedence.
type AttributeValue struct {
	Value        any        `json:"value"`
	SourceKind   string     `json:"source_kind"`
	SourceRank   int        `json:"source_rank"`
	DocumentDate *time.Time `json:"document_date,omitempty"`
	Version      int64      `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Entity is a tracked subject: lifecycle status plus an open-ended attribute
// map. Entities are created on first observation and never physically
// deleted; a terminal status soft-archives them.
type Entity struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name,omitempty"`
	Status     Status                    `json:"status"`
	Attributes map[string]AttributeValue `json:"attributes"`
	// SourceRef is the most recently processed document reference for the
	// entity. Cadence-driven polls refetch it.
	SourceRef string    `json:"source_ref,omitempty"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attribute returns the current value for an attribute, or ok=false when the
// entity has never had a value reconciled for it.
func (e *Entity) Attribute(name string) (AttributeValue, bool) {
	if e.Attributes == nil {
		return AttributeValue{}, false
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// LifecycleAudit records a status change, including superseded same-epoch
// assertions that lost precedence resolution.
type LifecycleAudit struct {
	ID         int64     `json:"id,omitempty"`
	EntityID   string    `json:"entity_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Superseded []Status  `json:"superseded,omitempty"`
	Trigger    string    `json:"trigger"`
	CreatedAt  time.Time `json:"created_at"`
}
