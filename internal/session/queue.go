package session

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// item is one queued outbound payload, optionally tagged with the
// method name that produced it (used for notification coalescing and
// per-method accounting).
type item struct {
	payload []byte
	method  string
}

// sendQueue is a session's dual-priority FIFO: responses are never
// dropped; notifications are coalesced and evicted under backpressure.
// Responses are always dequeued before notifications (strict
// priority). queuedBytes is maintained as an atomic counter so readers
// (tests, diagnostics) can observe it without taking the lock.
type sendQueue struct {
	mu           sync.Mutex
	responses    *list.List // of *item
	notifications *list.List // of *item
	perMethod    map[string]int
	queuedBytes  int64
	capBytes     int
	signal       chan struct{} // buffered 1; send loop waits on this
}

func newSendQueue(capBytes int) *sendQueue {
	return &sendQueue{
		responses:     list.New(),
		notifications: list.New(),
		perMethod:     make(map[string]int),
		capBytes:      capBytes,
		signal:        make(chan struct{}, 1),
	}
}

func (q *sendQueue) signalAvailable() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// QueuedBytes returns the running total of bytes queued across both
// FIFOs.
func (q *sendQueue) QueuedBytes() int64 {
	return atomic.LoadInt64(&q.queuedBytes)
}

// PerMethodCount returns the number of queued notifications for method.
func (q *sendQueue) PerMethodCount(method string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.perMethod[method]
}

// enqueueResponse implements step 2 of §4.6's enqueue algorithm:
// responses are never dropped. If adding it would exceed the cap, the
// oldest notifications are evicted (one at a time) until there is room
// or the notification queue is empty; the response is enqueued either
// way.
func (q *sendQueue) enqueueResponse(payload []byte) {
	n := int64(len(payload))
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.queuedBytes+n > int64(q.capBytes) && q.notifications.Len() > 0 {
		q.evictOldestNotificationLocked()
	}
	q.responses.PushBack(&item{payload: payload})
	atomic.AddInt64(&q.queuedBytes, n)
	q.signalAvailable()
}

// enqueueNotification implements step 3 of §4.6's enqueue algorithm.
// Returns true if the notification was queued, false if it was
// dropped.
func (q *sendQueue) enqueueNotification(payload []byte, method string) bool {
	n := int64(len(payload))
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queuedBytes+n <= int64(q.capBytes) {
		q.pushNotificationLocked(payload, method)
		return true
	}

	// Coalesce: drop the oldest entry of the same method, if any.
	if q.evictOldestOfMethodLocked(method) {
		if q.queuedBytes+n <= int64(q.capBytes) {
			q.pushNotificationLocked(payload, method)
			return true
		}
	}

	// Drop any oldest notification regardless of method.
	if q.notifications.Len() > 0 {
		q.evictOldestNotificationLocked()
		if q.queuedBytes+n <= int64(q.capBytes) {
			q.pushNotificationLocked(payload, method)
			return true
		}
	}

	return false
}

func (q *sendQueue) pushNotificationLocked(payload []byte, method string) {
	q.notifications.PushBack(&item{payload: payload, method: method})
	atomic.AddInt64(&q.queuedBytes, int64(len(payload)))
	q.perMethod[method]++
	q.signalAvailable()
}

func (q *sendQueue) evictOldestNotificationLocked() {
	front := q.notifications.Front()
	if front == nil {
		return
	}
	it := front.Value.(*item)
	q.notifications.Remove(front)
	atomic.AddInt64(&q.queuedBytes, -int64(len(it.payload)))
	q.perMethod[it.method]--
	if q.perMethod[it.method] <= 0 {
		delete(q.perMethod, it.method)
	}
}

// evictOldestOfMethodLocked removes the oldest queued notification
// whose method matches, if one exists. Returns whether it found one.
func (q *sendQueue) evictOldestOfMethodLocked(method string) bool {
	for e := q.notifications.Front(); e != nil; e = e.Next() {
		it := e.Value.(*item)
		if it.method == method {
			q.notifications.Remove(e)
			atomic.AddInt64(&q.queuedBytes, -int64(len(it.payload)))
			q.perMethod[it.method]--
			if q.perMethod[it.method] <= 0 {
				delete(q.perMethod, it.method)
			}
			return true
		}
	}
	return false
}

// dequeue returns the next outbound payload, always preferring
// responses. Returns ok=false if both queues are empty.
func (q *sendQueue) dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if front := q.responses.Front(); front != nil {
		it := front.Value.(*item)
		q.responses.Remove(front)
		atomic.AddInt64(&q.queuedBytes, -int64(len(it.payload)))
		return it.payload, true
	}
	if front := q.notifications.Front(); front != nil {
		it := front.Value.(*item)
		q.notifications.Remove(front)
		atomic.AddInt64(&q.queuedBytes, -int64(len(it.payload)))
		q.perMethod[it.method]--
		if q.perMethod[it.method] <= 0 {
			delete(q.perMethod, it.method)
		}
		return it.payload, true
	}
	return nil, false
}

// clear empties both queues, used by close().
func (q *sendQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses.Init()
	q.notifications.Init()
	q.perMethod = make(map[string]int)
	atomic.StoreInt64(&q.queuedBytes, 0)
}
