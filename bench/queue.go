package bench

import (
	"container/heap"
	"sync"

	"github.com/agenttrace/agenttrace/types"
)

// submissionHeap 按 submitted_at 升序的最小堆；同刻按入队序稳定。
type submissionHeap struct {
	items []*queuedSubmission
}

type queuedSubmission struct {
	submission *Submission
	order      uint64 // 入队序号，时间相同时保持 FIFO
}

func (h *submissionHeap) Len() int { return len(h.items) }

func (h *submissionHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.submission.SubmittedAt.Equal(b.submission.SubmittedAt) {
		return a.order < b.order
	}
	return a.submission.SubmittedAt.Before(b.submission.SubmittedAt)
}

func (h *submissionHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *submissionHeap) Push(x any) { h.items = append(h.items, x.(*queuedSubmission)) }

func (h *submissionHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// Queue FIFO 优先队列：按 submitted_at 出队
type Queue struct {
	mu       sync.Mutex
	heap     submissionHeap
	capacity int
	nextSeq  uint64
	wake     chan struct{}
	closed   bool
}

// NewQueue 创建容量受限的提交队列
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue 入队；队列满或已关闭时返回错误
func (q *Queue) Enqueue(sub *Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.NewError(types.ErrValidation, "submission queue closed")
	}
	if q.heap.Len() >= q.capacity {
		return types.NewError(types.ErrQuotaExceeded, "submission queue full").
			WithHTTPStatus(429).WithRetryAfter(60)
	}

	heap.Push(&q.heap, &queuedSubmission{submission: sub, order: q.nextSeq})
	q.nextSeq++

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue 弹出 submitted_at 最早的提交；队列空返回 nil。
func (q *Queue) Dequeue() *Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queuedSubmission)
	return item.submission
}

// Wait returns a channel that fires when new work may be available.
func (q *Queue) Wait() <-chan struct{} {
	return q.wake
}

// Len 返回排队中的提交数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close 关闭队列，阻止新的入队
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
