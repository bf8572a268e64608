package orchestrate

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/config"
	"github.com/sells-group/monitor-cli/internal/model"
)

// Windows tracks active polling windows per entity and computes the
// effective cadence. Expired windows are pruned lazily on read.
type Windows struct {
	mu      sync.Mutex
	cfg     config.PollingConfig
	active  map[string][]model.PollingWindow
	nowFunc func() time.Time
}

func NewWindows(cfg config.PollingConfig) *Windows {
	return &Windows{
		cfg:     cfg,
		active:  map[string][]model.PollingWindow{},
		nowFunc: time.Now,
	}
}

// RaiseSignal applies the signal kind's policy and reports whether an
// immediate high-priority poll should be enqueued. Rumors and metric spikes
// open accelerated windows; a confirmation cancels any outstanding rumor
// window for the entity, since confirmed supersedes speculative, and asks
// for an immediate poll instead of a window.
func (w *Windows) RaiseSignal(entityID string, kind model.SignalKind, confidence, magnitude float64) (immediate bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFunc()
	switch kind {
	case model.SignalRumor:
		w.open(entityID, model.PollingWindow{
			EntityID:  entityID,
			Signal:    kind,
			Cadence:   time.Duration(w.cfg.RumorCadenceMins) * time.Minute,
			ExpiresAt: now.Add(time.Duration(w.cfg.RumorWindowHours) * time.Hour),
			CreatedAt: now,
		})
	case model.SignalMetricSpike:
		if magnitude < w.cfg.SpikeMagnitude {
			zap.L().Debug("orchestrate: metric spike below magnitude threshold",
				zap.String("entity_id", entityID),
				zap.Float64("magnitude", magnitude),
			)
			return false
		}
		w.open(entityID, model.PollingWindow{
			EntityID:  entityID,
			Signal:    kind,
			Cadence:   time.Duration(w.cfg.SpikeCadenceMins) * time.Minute,
			ExpiresAt: now.Add(time.Duration(w.cfg.SpikeWindowHours) * time.Hour),
			CreatedAt: now,
		})
	case model.SignalConfirmation:
		kept := w.active[entityID][:0]
		for _, win := range w.active[entityID] {
			if win.Signal != model.SignalRumor {
				kept = append(kept, win)
			}
		}
		w.active[entityID] = kept
		return true
	}

	zap.L().Info("orchestrate: polling signal",
		zap.String("entity_id", entityID),
		zap.String("kind", string(kind)),
		zap.Float64("confidence", confidence),
	)
	return false
}

// open replaces an existing window of the same kind rather than stacking.
func (w *Windows) open(entityID string, win model.PollingWindow) {
	kept := w.active[entityID][:0]
	for _, existing := range w.active[entityID] {
		if existing.Signal != win.Signal {
			kept = append(kept, existing)
		}
	}
	w.active[entityID] = append(kept, win)
}

// EffectiveCadence is min(default cadence, every active window's cadence).
// Expired windows encountered on the way are removed.
func (w *Windows) EffectiveCadence(entityID string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFunc()
	cadence := w.cfg.DefaultCadence()

	kept := w.active[entityID][:0]
	for _, win := range w.active[entityID] {
		if !win.Active(now) {
			continue
		}
		kept = append(kept, win)
		if win.Cadence < cadence {
			cadence = win.Cadence
		}
	}
	if len(kept) == 0 {
		delete(w.active, entityID)
	} else {
		w.active[entityID] = kept
	}
	return cadence
}

// ActiveWindows returns the live windows for an entity.
func (w *Windows) ActiveWindows(entityID string) []model.PollingWindow {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFunc()
	var out []model.PollingWindow
	for _, win := range w.active[entityID] {
		if win.Active(now) {
			out = append(out, win)
		}
	}
	return out
}
