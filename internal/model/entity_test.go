package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	t.Run("normal path", func(t *testing.T) {
		t.Parallel()
		assert.True(t, CanTransition(StatusSearching, StatusAnnounced))
		assert.True(t, CanTransition(StatusAnnounced, StatusCompleted))
	})

	t.Run("deal falls through", func(t *testing.T) {
		t.Parallel()
		assert.True(t, CanTransition(StatusAnnounced, StatusTerminated))
	})

	t.Run("liquidation only before completion", func(t *testing.T) {
		t.Parallel()
		assert.True(t, CanTransition(StatusSearching, StatusLiquidated))
		assert.True(t, CanTransition(StatusAnnounced, StatusLiquidated))
		assert.False(t, CanTransition(StatusCompleted, StatusLiquidated))
	})

	t.Run("delisting from anywhere", func(t *testing.T) {
		t.Parallel()
		for _, from := range []Status{StatusSearching, StatusAnnounced, StatusCompleted, StatusTerminated, StatusLiquidated} {
			assert.True(t, CanTransition(from, StatusDelisted), "from %s", from)
		}
	})

	t.Run("no backwards edges", func(t *testing.T) {
		t.Parallel()
		assert.False(t, CanTransition(StatusCompleted, StatusAnnounced))
		assert.False(t, CanTransition(StatusAnnounced, StatusSearching))
		assert.False(t, CanTransition(StatusDelisted, StatusSearching))
	})

	t.Run("self transition is idempotent", func(t *testing.T) {
		t.Parallel()
		assert.True(t, CanTransition(StatusAnnounced, StatusAnnounced))
	})
}

func TestResolveStatusConflict(t *testing.T) {
	t.Parallel()

	t.Run("completed beats delisted", func(t *testing.T) {
		t.Parallel()
		winner, superseded := ResolveStatusConflict([]Status{StatusDelisted, StatusCompleted})
		assert.Equal(t, StatusCompleted, winner)
		assert.Equal(t, []Status{StatusDelisted}, superseded)
	})

	t.Run("terminated beats liquidated and delisted", func(t *testing.T) {
		t.Parallel()
		winner, superseded := ResolveStatusConflict([]Status{StatusLiquidated, StatusDelisted, StatusTerminated})
		assert.Equal(t, StatusTerminated, winner)
		assert.Len(t, superseded, 2)
	})

	t.Run("single candidate wins trivially", func(t *testing.T) {
		t.Parallel()
		winner, superseded := ResolveStatusConflict([]Status{StatusAnnounced})
		assert.Equal(t, StatusAnnounced, winner)
		assert.Nil(t, superseded)
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		winner, superseded := ResolveStatusConflict(nil)
		assert.Equal(t, Status(""), winner)
		assert.Nil(t, superseded)
	})
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusSearching.IsTerminal())
	assert.False(t, StatusAnnounced.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusTerminated.IsTerminal())
	assert.True(t, StatusLiquidated.IsTerminal())
	assert.True(t, StatusDelisted.IsTerminal())
}

func TestPriorityRank(t *testing.T) {
	t.Parallel()

	assert.Less(t, PriorityP0.Rank(), PriorityP1.Rank())
	assert.Less(t, PriorityP1.Rank(), PriorityP2.Rank())
	assert.Less(t, PriorityP2.Rank(), PriorityP3.Rank())
	assert.Greater(t, Priority("bogus").Rank(), PriorityP3.Rank())
}
