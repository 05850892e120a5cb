/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package scheduler

import "container/heap"

// queueItem is one pending admission slot: a task id plus the ordering
// keys spec §4.7 requires ("priority is an integer, higher runs first,
// ties broken by FIFO").
type queueItem struct {
	taskID   string
	priority int
	seq      uint64 // submission order, strictly increasing
	index    int    // heap.Interface bookkeeping
}

// priorityQueue is a max-heap on (priority, -seq): higher priority first,
// and among equal priorities the earliest submission first.
type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityQueue)(nil)
