package dispatcher

import "container/heap"

// workEntry is one in-flight unit of work: a request plus its hook-cursor
// state. handled flips true once the operation itself has executed;
// post-hooks only run after that.
type workEntry struct {
	req     Request
	data    any
	handled bool
	res     any
}

// workQueue orders entries deterministically by (priority, request_id), so
// two workers draining identical request sets process them in the same
// order.
type workQueue struct {
	items []*workEntry
}

func newWorkQueue() *workQueue {
	wq := &workQueue{}
	heap.Init(wq)
	return wq
}

func (q *workQueue) Len() int { return len(q.items) }

func (q *workQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.req.Priority != b.req.Priority {
		return a.req.Priority < b.req.Priority
	}
	return a.req.RequestID < b.req.RequestID
}

func (q *workQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *workQueue) Push(x any) { q.items = append(q.items, x.(*workEntry)) }

func (q *workQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

func (q *workQueue) Enqueue(e *workEntry) { heap.Push(q, e) }

func (q *workQueue) Dequeue() *workEntry {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*workEntry)
}
