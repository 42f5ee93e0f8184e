package rl

import (
	"slices"
)

// Queue is a bounded FIFO. Pushing past Capacity evicts the oldest entries.
type Queue[E any] struct {
	Capacity int
	items    []E
}

func NewQueue[E any](capacity int) *Queue[E] {
	return &Queue[E]{Capacity: capacity, items: make([]E, 0, capacity)}
}

func (q *Queue[E]) Push(es ...E) {
	q.items = append(q.items, es...)
	if over := len(q.items) - q.Capacity; q.Capacity > 0 && over > 0 {
		q.items = slices.Delete(q.items, 0, over)
	}
}

// PopOldest removes and returns up to n of the oldest entries.
func (q *Queue[E]) PopOldest(n int) []E {
	n = min(n, len(q.items))
	if n <= 0 {
		return nil
	}
	out := slices.Clone(q.items[:n])
	q.items = slices.Delete(q.items, 0, n)
	return out
}

func (q *Queue[E]) Len() int {
	return len(q.items)
}
