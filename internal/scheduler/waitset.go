package scheduler

import (
	"container/heap"
	"time"

	"remindbot/internal/reminder"
)

type entry struct {
	job reminder.Job
	// due starts at job.FireAt and moves forward only when marking the job
	// firing failed and is being retried.
	due   time.Time
	seq   uint64
	index int
}

// waitSet is a min-heap on (due, seq). seq is the admission counter, so jobs
// sharing an instant fire in admission order.
type waitSet []*entry

func (w waitSet) Len() int { return len(w) }

func (w waitSet) Less(i, j int) bool {
	if !w[i].due.Equal(w[j].due) {
		return w[i].due.Before(w[j].due)
	}
	return w[i].seq < w[j].seq
}

func (w waitSet) Swap(i, j int) {
	w[i], w[j] = w[j], w[i]
	w[i].index = i
	w[j].index = j
}

func (w *waitSet) Push(x any) {
	e := x.(*entry)
	e.index = len(*w)
	*w = append(*w, e)
}

func (w *waitSet) Pop() any {
	old := *w
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*w = old[:n-1]
	return e
}

func (w waitSet) peek() *entry {
	if len(w) == 0 {
		return nil
	}
	return w[0]
}

var _ heap.Interface = (*waitSet)(nil)
