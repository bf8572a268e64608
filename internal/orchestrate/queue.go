package orchestrate

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sells-group/monitor-cli/internal/model"
)

// taskHeap orders tasks by (priority rank, not_before). A lower rank or an
// earlier not_before pops first.
type taskHeap []*model.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	ri, rj := h[i].Priority.Rank(), h[j].Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].NotBefore.Before(h[j].NotBefore)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*model.Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Queue is the orchestrator's priority queue. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	tasks taskHeap
}

func NewQueue() *Queue {
	q := &Queue{}
	heap.Init(&q.tasks)
	return q
}

func (q *Queue) Push(t *model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.tasks, t)
}

// PopReady removes and returns every task whose not_before is at or past
// now, highest priority first.
func (q *Queue) PopReady(now time.Time) []*model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*model.Task
	var deferred []*model.Task
	for q.tasks.Len() > 0 {
		t := heap.Pop(&q.tasks).(*model.Task)
		if t.NotBefore.After(now) {
			deferred = append(deferred, t)
			continue
		}
		ready = append(ready, t)
	}
	for _, t := range deferred {
		heap.Push(&q.tasks, t)
	}
	return ready
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}
