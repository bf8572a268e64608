package orchestrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/monitor-cli/internal/model"
)

func TestQueue_PopsByPriorityThenNotBefore(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	q.Push(&model.Task{ID: "low", Priority: model.PriorityP3, NotBefore: now.Add(-time.Minute)})
	q.Push(&model.Task{ID: "high-late", Priority: model.PriorityP0, NotBefore: now.Add(-time.Second)})
	q.Push(&model.Task{ID: "high-early", Priority: model.PriorityP0, NotBefore: now.Add(-time.Hour)})
	q.Push(&model.Task{ID: "mid", Priority: model.PriorityP1, NotBefore: now.Add(-time.Minute)})

	ready := q.PopReady(now)
	ids := make([]string, len(ready))
	for i, task := range ready {
		ids[i] = task.ID
	}
	assert.Equal(t, []string{"high-early", "high-late", "mid", "low"}, ids)
	assert.Zero(t, q.Len())
}

func TestQueue_LeavesFutureTasks(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	q.Push(&model.Task{ID: "ready", Priority: model.PriorityP1, NotBefore: now})
	q.Push(&model.Task{ID: "future", Priority: model.PriorityP0, NotBefore: now.Add(time.Hour)})

	ready := q.PopReady(now)
	assert.Len(t, ready, 1)
	assert.Equal(t, "ready", ready[0].ID)
	assert.Equal(t, 1, q.Len())
}

func TestDedupeSet_TTLExpiry(t *testing.T) {
	d := NewDedupeSet(time.Hour)
	current := time.Now()
	d.nowFunc = func() time.Time { return current }

	d.Mark("k1")
	assert.True(t, d.Seen("k1"))
	assert.False(t, d.Seen("k2"))

	current = current.Add(2 * time.Hour)
	assert.False(t, d.Seen("k1"))
	assert.Zero(t, d.Len())
}

func TestDedupeSet_PruneDropsExpired(t *testing.T) {
	d := NewDedupeSet(time.Minute)
	current := time.Now()
	d.nowFunc = func() time.Time { return current }

	d.Mark("a")
	d.Mark("b")
	current = current.Add(5 * time.Minute)
	d.Mark("c")

	d.Prune()
	assert.Equal(t, 1, d.Len())
	assert.True(t, d.Seen("c"))
}
