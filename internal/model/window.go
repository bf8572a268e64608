package model

import "time"

// SignalKind is an external confidence signal that adjusts polling cadence.
type SignalKind string

const (
	SignalRumor        SignalKind = "rumor"
	SignalConfirmation SignalKind = "confirmation"
	SignalMetricSpike  SignalKind = "metric_spike"
)

// PollingWindow is a time-bounded override of an entity's default polling
// cadence. Multiple active windows for the same entity resolve to the
// shortest cadence among them.
type PollingWindow struct {
	EntityID  string        `json:"entity_id"`
	Signal    SignalKind    `json:"signal"`
	Cadence   time.Duration `json:"cadence"`
	ExpiresAt time.Time     `json:"expires_at"`
	CreatedAt time.Time     `json:"created_at"`
}

// Active reports whether the window still applies at the given instant.
func (w PollingWindow) Active(now time.Time) bool {
	return now.Before(w.ExpiresAt)
}
