package orchestrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/monitor-cli/internal/config"
	"github.com/sells-group/monitor-cli/internal/model"
)

func testPollingConfig() config.PollingConfig {
	return config.PollingConfig{
		DefaultCadenceMins: 360,
		RumorCadenceMins:   15,
		RumorWindowHours:   48,
		SpikeCadenceMins:   30,
		SpikeWindowHours:   24,
		SpikeMagnitude:     0.10,
	}
}

func TestWindows_RumorAcceleratesUntilExpiry(t *testing.T) {
	w := NewWindows(testPollingConfig())
	current := time.Now()
	w.nowFunc = func() time.Time { return current }

	assert.Equal(t, 360*time.Minute, w.EffectiveCadence("e1"))

	immediate := w.RaiseSignal("e1", model.SignalRumor, 0.6, 0)
	assert.False(t, immediate)
	assert.Equal(t, 15*time.Minute, w.EffectiveCadence("e1"))

	// After the window expires the cadence reverts with no explicit reset.
	current = current.Add(49 * time.Hour)
	assert.Equal(t, 360*time.Minute, w.EffectiveCadence("e1"))
	assert.Empty(t, w.ActiveWindows("e1"))
}

func TestWindows_EffectiveCadenceIsMinimum(t *testing.T) {
	w := NewWindows(testPollingConfig())
	current := time.Now()
	w.nowFunc = func() time.Time { return current }

	w.RaiseSignal("e1", model.SignalMetricSpike, 0.9, 0.25)
	assert.Equal(t, 30*time.Minute, w.EffectiveCadence("e1"))

	w.RaiseSignal("e1", model.SignalRumor, 0.6, 0)
	assert.Equal(t, 15*time.Minute, w.EffectiveCadence("e1"))
}

func TestWindows_ConfirmationCancelsRumorAndRequestsImmediatePoll(t *testing.T) {
	w := NewWindows(testPollingConfig())
	current := time.Now()
	w.nowFunc = func() time.Time { return current }

	w.RaiseSignal("e1", model.SignalRumor, 0.6, 0)
	assert.Equal(t, 15*time.Minute, w.EffectiveCadence("e1"))

	immediate := w.RaiseSignal("e1", model.SignalConfirmation, 1.0, 0)
	assert.True(t, immediate)
	assert.Equal(t, 360*time.Minute, w.EffectiveCadence("e1"))
}

func TestWindows_ConfirmationLeavesSpikeWindowActive(t *testing.T) {
	// Confirmed supersedes speculative: only the rumor window is cancelled.
	// A metric spike is an independent observation and keeps its window.
	w := NewWindows(testPollingConfig())
	current := time.Now()
	w.nowFunc = func() time.Time { return current }

	w.RaiseSignal("e1", model.SignalRumor, 0.6, 0)
	w.RaiseSignal("e1", model.SignalMetricSpike, 0.9, 0.25)
	assert.Equal(t, 15*time.Minute, w.EffectiveCadence("e1"))

	immediate := w.RaiseSignal("e1", model.SignalConfirmation, 1.0, 0)
	assert.True(t, immediate)
	assert.Equal(t, 30*time.Minute, w.EffectiveCadence("e1"))
	assert.Len(t, w.ActiveWindows("e1"), 1)
}

func TestWindows_SpikeBelowMagnitudeIgnored(t *testing.T) {
	w := NewWindows(testPollingConfig())

	immediate := w.RaiseSignal("e1", model.SignalMetricSpike, 0.9, 0.05)
	assert.False(t, immediate)
	assert.Equal(t, 360*time.Minute, w.EffectiveCadence("e1"))
}

func TestWindows_SameKindReplacesNotStacks(t *testing.T) {
	w := NewWindows(testPollingConfig())
	current := time.Now()
	w.nowFunc = func() time.Time { return current }

	w.RaiseSignal("e1", model.SignalRumor, 0.5, 0)
	current = current.Add(40 * time.Hour)
	w.RaiseSignal("e1", model.SignalRumor, 0.7, 0)

	assert.Len(t, w.ActiveWindows("e1"), 1)
	// The refreshed window runs 48h from the second signal.
	current = current.Add(47 * time.Hour)
	assert.Equal(t, 15*time.Minute, w.EffectiveCadence("e1"))
}
