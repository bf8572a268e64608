package model

import "time"

// EventType tags an incoming disclosure event. The classifier maps known
// types to handlers via a static rule table; unknown types are logged and
// classified at lowest priority with no handlers.
type EventType string

const (
	EventAnnualReport    EventType = "annual_report"
	EventQuarterlyReport EventType = "quarterly_report"
	EventCurrentReport   EventType = "current_report"
	EventProxyStatement  EventType = "proxy_statement"
	EventTenderOffer     EventType = "tender_offer"
	EventRegistration    EventType = "registration"
	EventPressRelease    EventType = "press_release"
	// EventCompositeFiling is a multi-purpose disclosure form whose routing
	// depends on sub-item codes that are not present in metadata. The
	// classifier falls back to summary-text inspection for these.
	EventCompositeFiling EventType = "composite_filing"
)

// DisclosureEvent is one time-stamped disclosure about a tracked entity,
// as delivered by the external network client.
type DisclosureEvent struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	Type       EventType `json:"type"`
	Summary    string    `json:"summary"`
	DocumentID string    `json:"document_id"`
	SourceRef  string    `json:"source_ref,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ClassificationRecord is the audit record emitted for every classified
// event, whether routed directly, via fallback, or unknown.
type ClassificationRecord struct {
	ID         int64     `json:"id,omitempty"`
	EventID    string    `json:"event_id"`
	EntityID   string    `json:"entity_id"`
	EventType  EventType `json:"event_type"`
	Kind       string    `json:"kind"` // "direct", "fallback", or "unknown"
	Priority   Priority  `json:"priority"`
	Handlers   []string  `json:"handlers"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
