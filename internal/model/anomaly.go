package model

import "time"

// AnomalyKind identifies the class of anomaly that triggered investigation.
type AnomalyKind string

const (
	AnomalyInvariantViolation AnomalyKind = "invariant_violation"
	AnomalyTemporalOrdering   AnomalyKind = "temporal_ordering"
	AnomalyIdentityMismatch   AnomalyKind = "identity_mismatch"
	AnomalyLifecycleConflict  AnomalyKind = "lifecycle_conflict"
	AnomalyHandlerFailing     AnomalyKind = "handler_failing"
)

// AnomalySeverity gates whether an anomaly is worth investigating.
type AnomalySeverity int

const (
	SeverityLow AnomalySeverity = iota
	SeverityMedium
	SeverityHigh
)

// Anomaly is one suspicious observation emitted by reconciliation,
// validation, or the orchestrator. Anomalies are queued to the investigation
// engine; they never block the path that produced them.
type Anomaly struct {
	Kind       AnomalyKind     `json:"kind"`
	EntityID   string          `json:"entity_id"`
	Attribute  string          `json:"attribute,omitempty"`
	Handler    string          `json:"handler,omitempty"`
	Severity   AnomalySeverity `json:"severity"`
	Message    string          `json:"message"`
	Details    map[string]any  `json:"details,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

// ClusterKey groups related anomalies for investigation: repeated anomalies
// about the same entity and attribute belong to one case.
func (a Anomaly) ClusterKey() string {
	return a.EntityID + "/" + a.Attribute
}
