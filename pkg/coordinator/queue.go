package coordinator

import (
	"github.com/anvilworks/anvil/pkg/types"
)

// taskQueue is the five-class strict-priority queue. The highest
// non-empty class is served FIFO before any lower class is touched; no
// aging. Not goroutine-safe: the coordinator serializes access.
type taskQueue struct {
	classes [][]*types.Task
	size    int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{classes: make([][]*types.Task, len(types.Priorities))}
}

// push appends a task to the tail of its class.
func (q *taskQueue) push(task *types.Task) {
	rank := task.Priority.Rank()
	q.classes[rank] = append(q.classes[rank], task)
	q.size++
}

// pushFront returns a task to the head of its class, used when a
// dispatch could not place it or a crashed worker hands it back: the
// task keeps its original FIFO position by created_at.
func (q *taskQueue) pushFront(task *types.Task) {
	rank := task.Priority.Rank()
	q.classes[rank] = append([]*types.Task{task}, q.classes[rank]...)
	q.size++
}

// pop removes and returns the next task in strict priority order, or
// nil when the queue is empty.
func (q *taskQueue) pop() *types.Task {
	for rank := range q.classes {
		if len(q.classes[rank]) == 0 {
			continue
		}
		task := q.classes[rank][0]
		q.classes[rank] = q.classes[rank][1:]
		q.size--
		return task
	}
	return nil
}

// peek returns the next task without removing it.
func (q *taskQueue) peek() *types.Task {
	for rank := range q.classes {
		if len(q.classes[rank]) > 0 {
			return q.classes[rank][0]
		}
	}
	return nil
}

// drain empties the queue and returns everything in priority order.
func (q *taskQueue) drain() []*types.Task {
	out := make([]*types.Task, 0, q.size)
	for rank := range q.classes {
		out = append(out, q.classes[rank]...)
		q.classes[rank] = nil
	}
	q.size = 0
	return out
}

func (q *taskQueue) len() int { return q.size }
