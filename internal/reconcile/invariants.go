package reconcile

import (
	"sync"

	"github.com/sells-group/monitor-cli/internal/model"
)

// Invariant is a plausibility check run after each accepted write. A failed
// check never blocks the write; it produces an anomaly for the investigation
// engine.
type Invariant struct {
	Name string
	// Attributes the check reads. The check runs only when one of them
	// changed; empty means run on every write.
	Attributes []string
	Check      func(e *model.Entity) (ok bool, message string)
	Severity   model.AnomalySeverity
}

// InvariantRegistry holds the registered invariant checks. Registration is
// safe at runtime: the investigation engine's prevention stage adds rules
// while the engine is serving writes.
type InvariantRegistry struct {
	mu     sync.RWMutex
	checks []Invariant
}

func NewInvariantRegistry() *InvariantRegistry {
	return &InvariantRegistry{}
}

func (r *InvariantRegistry) Register(inv Invariant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, inv)
}

// Evaluate runs every check that watches one of the changed attributes and
// returns an anomaly per violation.
func (r *InvariantRegistry) Evaluate(e *model.Entity, changed map[string]struct{}) []model.Anomaly {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var anomalies []model.Anomaly
	for _, inv := range r.checks {
		if !watches(inv, changed) {
			continue
		}
		if ok, msg := inv.Check(e); !ok {
			attr := ""
			if len(inv.Attributes) > 0 {
				attr = inv.Attributes[0]
			}
			anomalies = append(anomalies, model.Anomaly{
				Kind:      model.AnomalyInvariantViolation,
				EntityID:  e.ID,
				Attribute: attr,
				Severity:  inv.Severity,
				Message:   msg,
				Details:   map[string]any{"invariant": inv.Name},
			})
		}
	}
	return anomalies
}

func watches(inv Invariant, changed map[string]struct{}) bool {
	if len(inv.Attributes) == 0 {
		return true
	}
	for _, a := range inv.Attributes {
		if _, ok := changed[a]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of registered checks.
func (r *InvariantRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.checks)
}
