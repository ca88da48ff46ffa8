package imagefanout

import (
	"container/heap"

	"github.com/panelforge/engine/internal/domain"
)

// taskItem pairs a task with its original index so outcomes can be written
// back positionally regardless of pop order.
type taskItem struct {
	task     domain.ImageTask
	priority int
	index    int // original slice position, used as a stable tie-break
}

// taskQueue is a max-heap on priority, with ties broken by earliest panel id
// (spec.md §4.2: "Tasks are admitted in priority order (higher first); ties
// broken by earliest panel id").
type taskQueue []*taskItem

func newTaskQueue(tasks []domain.ImageTask) *taskQueue {
	q := make(taskQueue, 0, len(tasks))
	for i, t := range tasks {
		p := t.Priority
		if p == 0 {
			p = domain.PriorityOf(t)
		}
		q = append(q, &taskItem{task: t, priority: p, index: i})
	}
	pq := &q
	heap.Init(pq)
	return pq
}

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].task.PanelID < q[j].task.PanelID
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) {
	*q = append(*q, x.(*taskItem))
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
